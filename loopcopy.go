package intercept

import (
	"io"

	"github.com/oxtoacart/bpool"
	"go.uber.org/zap"
)

var relayBuffers = bpool.NewBytePool(256, 16384)

func passPortion(
	server string,
	dir string,
	in io.Reader,
	out io.Writer,
	buf []byte,
) (n int, done bool, readErr error, writeErr error) {
	n, readErr = in.Read(buf)

	if n > 0 {
		_, writeErr = out.Write(buf[:n])
		if writeErr != nil {
			zap.L().Debug(
				"write failed",
				zap.String("conn", server),
				zap.String("dir", dir),
				zap.Int("bytes", n),
				zap.Error(writeErr),
			)
			n = 0
			return
		}
	}

	if readErr == io.EOF {
		done = true
		readErr = nil
	}
	return
}

// loopCopy copies in to out until in is exhausted. A clean EOF is not an
// error.
func loopCopy(
	server string,
	dir string,
	out io.Writer,
	in io.Reader,
) (int64, error) {
	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)
	var total int64

	for {
		n, done, readErr, writeErr := passPortion(server, dir, in, out, buf)
		total += int64(n)

		if readErr != nil {
			zap.L().Debug(
				"reading",
				zap.String("conn", server),
				zap.String("dir", dir),
				zap.Int64("total", total),
				zap.Error(readErr),
			)
			return total, readErr
		}
		if writeErr != nil {
			// the caller closes the socket so the other direction stops too
			return total, writeErr
		}

		if done {
			zap.L().Debug(
				"passed",
				zap.String("conn", server),
				zap.String("dir", dir),
				zap.Int64("total", total),
			)
			return total, nil
		}
	}
}
