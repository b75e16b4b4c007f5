package service

import (
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/wildfoundry/dataplicity-agent/internal/limiter"
	"github.com/wildfoundry/dataplicity-agent/internal/m2m/channel"
)

// fileStreamChunkSize bounds a single read from disk before it is written
// to the channel, matching the protocol's 1MiB stream chunk ceiling.
const fileStreamChunkSize = 1 << 20

// FileStream sends the contents of a single file over a channel in bounded
// chunks, closing the channel when done. Grounded in the original agent's
// FileService.
type FileStream struct {
	path   string
	ch     *channel.Channel
	grant  *limiter.Grant
	logger *zerolog.Logger
}

// NewFileStream acquires a slot from services and, on success, starts
// streaming path over ch in a new goroutine. On limiter failure it emits
// an error control packet and closes the channel instead.
func NewFileStream(path string, ch *channel.Channel, services *limiter.Limiter, logger *zerolog.Logger) *FileStream {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	grant, err := services.TryAcquire()
	if err != nil {
		writeErrorControl(ch, "remote-file", 503, err.Error())
		_ = ch.Close()
		return nil
	}
	fs := &FileStream{path: path, ch: ch, grant: grant, logger: logger}
	go fs.run()
	return fs
}

func (fs *FileStream) run() {
	defer fs.grant.Release()
	defer fs.ch.Close()

	f, err := os.Open(fs.path)
	if err != nil {
		fs.logger.Debug().Err(err).Str("path", fs.path).Msg("unable to open file for streaming")
		writeErrorControl(fs.ch, "remote-file", 404, err.Error())
		return
	}
	defer f.Close()

	buf := make([]byte, fileStreamChunkSize)
	var sent uint64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if writeErr := fs.ch.Write(append([]byte(nil), buf[:n]...)); writeErr != nil {
				fs.logger.Warn().Err(writeErr).Str("path", fs.path).Msg("channel write failed during file stream")
				writeErrorControl(fs.ch, "remote-file", 500, writeErr.Error())
				return
			}
			sent += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			fs.logger.Debug().Err(err).Str("path", fs.path).Msg("error reading file")
			writeErrorControl(fs.ch, "remote-file", 500, err.Error())
			return
		}
	}
	fs.logger.Debug().Str("path", fs.path).Str("sent", humanize.Bytes(sent)).Msg("file stream complete")
}
