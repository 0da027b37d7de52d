package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrEmptyBody is returned when a required JSON body is blank.
	ErrEmptyBody = errors.New("request body is empty")
	// ErrBodyTooLarge is returned when the body exceeds the allowed size.
	ErrBodyTooLarge = errors.New("request body exceeds allowed size")
)

// DecodeJSON reads at most limit bytes from r and decodes them into dst, rejecting unknown
// fields. An empty body is an error only when required is true.
func DecodeJSON(r *http.Request, limit int64, dst any, required bool) error {
	if r == nil || r.Body == nil {
		if required {
			return ErrEmptyBody
		}
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > limit {
		return ErrBodyTooLarge
	}
	if len(bytes.TrimSpace(data)) == 0 {
		if required {
			return ErrEmptyBody
		}
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

// BodyError maps a DecodeJSON failure to the response envelope.
func BodyError(err error) Error {
	if errors.Is(err, ErrBodyTooLarge) {
		return NewError("payload_too_large", err.Error(), http.StatusRequestEntityTooLarge)
	}
	return NewError("invalid_request", err.Error(), http.StatusBadRequest)
}
