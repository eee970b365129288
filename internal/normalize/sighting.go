package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed is returned when a payload cannot be decoded at all.
var ErrMalformed = errors.New("malformed payload")

// Sighting is one raw product observation as emitted by a source fetcher.
// Every field is text; nothing has been validated yet.
type Sighting struct {
	ASIN            string `json:"asin"`
	Title           string `json:"title"`
	Price           string `json:"price"`
	Discount        string `json:"discount,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
	HighResImageURL string `json:"high_res_image_url,omitempty"`
	Category        string `json:"category,omitempty"`
	Timestamp       string `json:"timestamp"`

	// Raw holds the payload the sighting was decoded from, if any.
	Raw json.RawMessage `json:"-"`
}

// looseString accepts a JSON string, number, bool or null.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*s = looseString(n.String())
		return nil
	}
	var v bool
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("unsupported value %s", b)
	}
	*s = looseString(strconv.FormatBool(v))
	return nil
}

type wireSighting struct {
	ASIN            looseString `json:"asin"`
	Title           looseString `json:"title"`
	Price           looseString `json:"price"`
	Discount        looseString `json:"discount"`
	ImageURL        looseString `json:"image_url"`
	Image           looseString `json:"image"`
	HighResImageURL looseString `json:"high_res_image_url"`
	Category        looseString `json:"category"`
	Timestamp       looseString `json:"timestamp"`
	ScrapedAt       looseString `json:"scraped_at"`
}

// Decode reads a raw JSON payload into a Sighting. Numbers are accepted where
// text is expected; "image" and "scraped_at" are accepted as aliases.
func Decode(payload []byte) (Sighting, error) {
	var w wireSighting
	if err := json.Unmarshal(payload, &w); err != nil {
		return Sighting{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	s := Sighting{
		ASIN:            string(w.ASIN),
		Title:           string(w.Title),
		Price:           string(w.Price),
		Discount:        string(w.Discount),
		ImageURL:        string(w.ImageURL),
		HighResImageURL: string(w.HighResImageURL),
		Category:        string(w.Category),
		Timestamp:       string(w.Timestamp),
		Raw:             bytes.Clone(payload),
	}
	if s.ImageURL == "" {
		s.ImageURL = string(w.Image)
	}
	if s.Timestamp == "" {
		s.Timestamp = string(w.ScrapedAt)
	}
	return s, nil
}

// Encode returns the canonical JSON payload for s.
func (s Sighting) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// Payload returns the bytes s was decoded from, or its canonical encoding
// when it was built in code.
func (s Sighting) Payload() ([]byte, error) {
	if len(s.Raw) > 0 {
		return s.Raw, nil
	}
	return s.Encode()
}
