package overlay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hybridgroup/mjpeg"
	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

// Stream serves annotated frames as an MJPEG feed over HTTP.
type Stream struct {
	mjpeg *mjpeg.Stream
}

// NewStream creates an empty feed.
func NewStream() *Stream {
	return &Stream{mjpeg: mjpeg.NewStream()}
}

// Publish encodes img as JPEG and pushes it to every connected viewer.
func (s *Stream) Publish(img gocv.Mat) error {
	if img.Empty() {
		return errors.New("encode stream frame: empty frame")
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return fmt.Errorf("encode stream frame: %w", err)
	}
	defer buf.Close()
	s.mjpeg.UpdateJPEG(buf.GetBytes())
	return nil
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mjpeg.ServeHTTP(w, r)
}

// Serve listens on addr until ctx is cancelled.
func (s *Stream) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", s)
	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("component", "MAIN").Str("addr", addr).Msg("MJPEG stream listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve stream: %w", err)
	}
	return nil
}
