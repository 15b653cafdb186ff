package intercept

import (
	"bufio"
	"errors"
	"io"
	"net"

	"golang.org/x/net/http2"
)

const maxH2FrameSize = 1<<24 - 1

// relayH2 relays an HTTP/2 session frame by frame between an intercepted
// client and an upstream that both negotiated h2. Frames are not decoded,
// so h2 exchanges are neither run through the pipeline nor recorded.
func relayH2(client io.Reader, clientW io.Writer, upstream net.Conn) error {
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(client, preface); err != nil {
		return err
	}
	if string(preface) != http2.ClientPreface {
		return errors.New("intercept: bad h2 client preface")
	}
	if _, err := io.WriteString(upstream, http2.ClientPreface); err != nil {
		return err
	}

	cToS := http2.NewFramer(upstream, client)
	sToC := http2.NewFramer(clientW, bufio.NewReader(upstream))
	for _, fr := range []*http2.Framer{cToS, sToC} {
		fr.SetMaxReadFrameSize(maxH2FrameSize)
	}

	errc := make(chan error, 2)
	for _, fr := range []*http2.Framer{cToS, sToC} {
		go func(fr *http2.Framer) {
			for {
				if err := proxyFrame(fr); err != nil {
					errc <- err
					return
				}
			}
		}(fr)
	}
	// either side ending ends the session; the caller closes both legs
	err := <-errc
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// proxyFrame reads a single frame from the Framer and, when successful, writes
// a ~identical one back to the Framer.
func proxyFrame(fr *http2.Framer) error {
	f, err := fr.ReadFrame()
	if err != nil {
		return err
	}
	switch f.Header().Type {
	case http2.FrameData:
		tf := f.(*http2.DataFrame)
		return fr.WriteData(tf.StreamID, tf.StreamEnded(), tf.Data())
	case http2.FrameHeaders:
		tf := f.(*http2.HeadersFrame)
		return fr.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      tf.StreamID,
			BlockFragment: tf.HeaderBlockFragment(),
			EndStream:     tf.StreamEnded(),
			EndHeaders:    tf.HeadersEnded(),
			PadLength:     0,
			Priority:      tf.Priority,
		})
	case http2.FrameContinuation:
		tf := f.(*http2.ContinuationFrame)
		return fr.WriteContinuation(tf.StreamID, tf.HeadersEnded(), tf.HeaderBlockFragment())
	case http2.FrameGoAway:
		tf := f.(*http2.GoAwayFrame)
		return fr.WriteGoAway(tf.LastStreamID, tf.ErrCode, tf.DebugData())
	case http2.FramePing:
		tf := f.(*http2.PingFrame)
		return fr.WritePing(tf.IsAck(), tf.Data)
	case http2.FrameRSTStream:
		tf := f.(*http2.RSTStreamFrame)
		return fr.WriteRSTStream(tf.StreamID, tf.ErrCode)
	case http2.FrameSettings:
		tf := f.(*http2.SettingsFrame)
		if tf.IsAck() {
			return fr.WriteSettingsAck()
		}
		var settings []http2.Setting
		// NOTE: If we want to parse headers, need to handle
		// settings where s.ID == http2.SettingHeaderTableSize and
		// accordingly update the Framer options.
		for i := 0; i < tf.NumSettings(); i++ {
			settings = append(settings, tf.Setting(i))
		}
		return fr.WriteSettings(settings...)
	case http2.FrameWindowUpdate:
		tf := f.(*http2.WindowUpdateFrame)
		return fr.WriteWindowUpdate(tf.StreamID, tf.Increment)
	case http2.FramePriority:
		tf := f.(*http2.PriorityFrame)
		return fr.WritePriority(tf.StreamID, tf.PriorityParam)
	case http2.FramePushPromise:
		tf := f.(*http2.PushPromiseFrame)
		return fr.WritePushPromise(http2.PushPromiseParam{
			StreamID:      tf.StreamID,
			PromiseID:     tf.PromiseID,
			BlockFragment: tf.HeaderBlockFragment(),
			EndHeaders:    tf.HeadersEnded(),
			PadLength:     0,
		})
	default:
		h := f.Header()
		uf, ok := f.(*http2.UnknownFrame)
		if !ok {
			return errors.New("intercept: unsupported h2 frame " + h.Type.String())
		}
		return fr.WriteRawFrame(h.Type, h.Flags, h.StreamID, uf.Payload())
	}
}
