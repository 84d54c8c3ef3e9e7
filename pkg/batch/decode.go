package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// wireBatch is the inbound document. "requests" is the legacy name of the
// item list and is read only when "items" is absent.
type wireBatch struct {
	BatchID  *string    `json:"batchId"`
	Items    []wireItem `json:"items"`
	Requests []wireItem `json:"requests"`
}

type wireItem struct {
	ID     *string         `json:"id"`
	Method *string         `json:"method"`
	Path   *string         `json:"path"`
	Body   json.RawMessage `json:"body"`
}

// Decode parses a batch document and resolves item defaults. It does not
// enforce size limits; see Validate.
func Decode(r io.Reader) (*BatchRequest, error) {
	var wb wireBatch
	dec := json.NewDecoder(r)
	if err := dec.Decode(&wb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after batch document", ErrMalformedBatch)
	}

	items := wb.Items
	if items == nil {
		items = wb.Requests
	}

	req := &BatchRequest{
		BatchID: wb.BatchID,
		Items:   make([]ItemRequest, len(items)),
	}
	for i, wi := range items {
		req.Items[i] = wi.resolve()
	}

	return req, nil
}

func (wi wireItem) resolve() ItemRequest {
	item := ItemRequest{
		ID:         valueOr(wi.ID, ""),
		Method:     strings.ToUpper(valueOr(wi.Method, DefaultMethod)),
		TargetPath: valueOr(wi.Path, DefaultTargetPath),
		Body:       emptyBody,
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	body := bytes.TrimSpace(wi.Body)
	if len(body) > 0 && !bytes.Equal(body, []byte("null")) {
		item.Body = append(json.RawMessage(nil), body...)
	}

	return item
}

func valueOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

// Validate checks the batch size against maxSize. A non-positive maxSize
// means MaxBatchSize.
func Validate(req *BatchRequest, maxSize int) error {
	if maxSize <= 0 {
		maxSize = MaxBatchSize
	}
	if req == nil || len(req.Items) == 0 {
		return ErrEmptyBatch
	}
	if len(req.Items) > maxSize {
		return fmt.Errorf("%w: %d items exceeds maximum of %d", ErrBatchTooLarge, len(req.Items), maxSize)
	}
	return nil
}
