package intercept

import (
	"crypto/tls"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/intercept/internal/signer"
	"golang.org/x/sync/singleflight"
)

// renewBefore keeps a record from being served right before it expires.
const renewBefore = time.Hour

// CertificateRecord is a leaf certificate issued for one host.
type CertificateRecord struct {
	Host   string
	Cert   *tls.Certificate
	Expiry time.Time
}

// CertCache memoizes leaf certificates by host. Concurrent requests for the
// same host share one signing operation.
type CertCache struct {
	ca *tls.Certificate

	mu      sync.RWMutex
	records map[string]*CertificateRecord
	group   singleflight.Group

	signings atomic.Int64
	metrics  *Metrics
	now      func() time.Time

	// sign is replaceable in tests.
	sign func(ca tls.Certificate, hosts []string) (*tls.Certificate, error)
}

func NewCertCache(ca *tls.Certificate, metrics *Metrics) *CertCache {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &CertCache{
		ca:      ca,
		records: make(map[string]*CertificateRecord),
		metrics: metrics,
		now:     time.Now,
		sign:    signer.SignHost,
	}
}

// CA returns the root the cache signs with.
func (c *CertCache) CA() *tls.Certificate { return c.ca }

// IssueLeaf returns a certificate for host, signing a new one on a miss or
// when the cached one is about to expire.
func (c *CertCache) IssueLeaf(host string) (*tls.Certificate, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if rec, ok := c.lookup(host); ok {
		c.metrics.CertCacheHits.Inc()
		return rec.Cert, nil
	}

	v, err, _ := c.group.Do(host, func() (any, error) {
		// an earlier flight may have stored it meanwhile
		if rec, ok := c.lookup(host); ok {
			return rec, nil
		}
		cert, err := c.sign(*c.ca, []string{host})
		if err != nil {
			return nil, &CertificateError{Host: host, Err: err}
		}
		c.signings.Add(1)
		c.metrics.CertIssued.Inc()
		rec := &CertificateRecord{Host: host, Cert: cert, Expiry: cert.Leaf.NotAfter}
		c.mu.Lock()
		c.records[host] = rec
		c.mu.Unlock()
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CertificateRecord).Cert, nil
}

func (c *CertCache) lookup(host string) (*CertificateRecord, bool) {
	c.mu.RLock()
	rec, ok := c.records[host]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	renewAt := rec.Expiry.Add(-renewBefore)
	if c.ca.Leaf != nil && !rec.Expiry.Before(c.ca.Leaf.NotAfter) {
		// the root caps the leaf, a new one would not last longer
		renewAt = rec.Expiry
	}
	if !c.now().Before(renewAt) {
		return nil, false
	}
	return rec, true
}

// Records lists the cached certificates.
func (c *CertCache) Records() []CertificateRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CertificateRecord, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, *r)
	}
	return out
}

// Clear evicts every cached certificate.
func (c *CertCache) Clear() {
	c.mu.Lock()
	c.records = make(map[string]*CertificateRecord)
	c.mu.Unlock()
}

// Signings returns how many certificates were signed so far.
func (c *CertCache) Signings() int64 { return c.signings.Load() }
