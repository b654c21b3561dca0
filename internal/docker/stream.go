package docker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// BuildStream yields build output as the engine produces it.
type BuildStream struct {
	tag     string
	body    io.ReadCloser
	dec     *json.Decoder
	imageID string
	done    bool
	once    sync.Once
}

// NewBuildStream wraps an engine progress stream for the image tag.
func NewBuildStream(tag string, body io.ReadCloser) *BuildStream {
	return &BuildStream{tag: tag, body: body, dec: json.NewDecoder(body)}
}

// Next returns the next non-empty output line. It returns io.EOF once the
// build completed and a *BuildFailedError when the engine reported a failure.
func (s *BuildStream) Next() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		var msg jsonMessage
		if err := s.dec.Decode(&msg); err != nil {
			s.done = true
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", &BuildFailedError{Tag: s.tag, Err: fmt.Errorf("decode build output: %w", err)}
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			s.done = true
			return "", &BuildFailedError{Tag: s.tag, Message: errMsg}
		}
		if id := msg.imageID(); id != "" {
			s.imageID = id
		}
		if line := msg.render(); line != "" {
			return line, nil
		}
	}
}

// Drain consumes the rest of the stream, passing each line to fn.
func (s *BuildStream) Drain(fn func(line string)) error {
	for {
		line, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if fn != nil {
			fn(line)
		}
	}
}

// ImageID is the built image's identifier, known once the stream reached EOF.
func (s *BuildStream) ImageID() string {
	return s.imageID
}

// Tag is the image tag being built.
func (s *BuildStream) Tag() string {
	return s.tag
}

// Close releases the engine response.
func (s *BuildStream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}
