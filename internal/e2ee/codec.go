package e2ee

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"chatsec/internal/models"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// FieldCipher encrypts or decrypts a single value with the room ratchet.
// GroupConversation satisfies it.
type FieldCipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Field names per raw type. Order is the encryption order.
var (
	fileAttachmentFields = []string{"url", "file_name", "caption", "encryption_key"}
	contactPersonFields  = []string{"name", "value"}
	locationFields       = []string{"name", "address", "map_url"}
	replyFields          = []string{"text"}
)

const (
	latitudeField  = "latitude"
	longitudeField = "longitude"
	encLatitude    = "encrypted_latitude"
	encLongitude   = "encrypted_longitude"
	customContent  = "content"
)

// FieldError is a decode failure of one payload field.
type FieldError struct {
	Field string
	Err   error
}

func (e FieldError) Error() string { return fmt.Sprintf("field %q: %v", e.Field, e.Err) }

func (e FieldError) Unwrap() error { return e.Err }

// FieldReport lists the outcome of decoding each field of a payload.
type FieldReport struct {
	Decoded []string
	Failed  []FieldError
}

func (r *FieldReport) OK() bool { return r == nil || len(r.Failed) == 0 }

func (r *FieldReport) Err() error {
	if r.OK() {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

func (r *FieldReport) ok(field string) { r.Decoded = append(r.Decoded, field) }

func (r *FieldReport) fail(field string, err error) {
	r.Failed = append(r.Failed, FieldError{Field: field, Err: err})
}

// EncryptField returns the base64 ciphertext of value.
func EncryptField(c FieldCipher, value string) (string, error) {
	ct, err := c.Encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptField decodes and decrypts a value produced by EncryptField.
func DecryptField(c FieldCipher, value string) (string, error) {
	ct, err := decodeBase64(value)
	if err != nil {
		return "", err
	}
	pt, err := c.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// decodeBase64 accepts standard base64 with or without MIME line breaks.
func decodeBase64(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, s)
	b, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	return b, nil
}

// EncryptPayload encrypts the type-specific fields of payload. Raw types
// without a field table are returned unchanged. Any failure fails the
// whole payload.
func EncryptPayload(c FieldCipher, rawType models.RawType, payload string) (string, error) {
	fields, ok := encryptableFields(rawType)
	if !ok {
		return payload, nil
	}
	if !gjson.Valid(payload) || !gjson.Parse(payload).IsObject() {
		return "", ErrInvalidPayload.WithDetails(string(rawType))
	}

	out := payload
	var err error
	for _, f := range fields {
		if out, err = encryptAt(c, out, f, gjson.Get(out, f).String()); err != nil {
			return "", err
		}
	}

	switch rawType {
	case models.RawTypeLocation:
		for _, pair := range [][2]string{{latitudeField, encLatitude}, {longitudeField, encLongitude}} {
			if out, err = encryptAt(c, out, pair[1], gjson.Get(out, pair[0]).String()); err != nil {
				return "", err
			}
			if out, err = sjson.SetRaw(out, pair[0], "0.0"); err != nil {
				return "", err
			}
		}
	case models.RawTypeCustom:
		content := gjson.Get(out, customContent)
		if !content.IsObject() {
			return "", ErrInvalidPayload.WithDetails("custom payload without content object")
		}
		if out, err = encryptAt(c, out, customContent, content.Raw); err != nil {
			return "", err
		}
	}
	return out, nil
}

func encryptAt(c FieldCipher, payload, field, value string) (string, error) {
	enc, err := EncryptField(c, value)
	if err != nil {
		return "", fmt.Errorf("encrypt %s: %w", field, err)
	}
	return sjson.Set(payload, field, enc)
}

// DecryptPayload reverses EncryptPayload. Each field is decoded on its
// own: a field that fails keeps its encrypted value and is listed in the
// report while the others are still decoded. Only a payload that is not a
// JSON object returns an error.
func DecryptPayload(c FieldCipher, rawType models.RawType, payload string) (string, *FieldReport, error) {
	report := &FieldReport{}
	fields, ok := encryptableFields(rawType)
	if !ok {
		return payload, report, nil
	}
	if !gjson.Valid(payload) || !gjson.Parse(payload).IsObject() {
		return payload, nil, ErrInvalidPayload.WithDetails(string(rawType))
	}

	out := payload
	for _, f := range fields {
		out = decryptStringAt(c, out, f, report)
	}

	switch rawType {
	case models.RawTypeLocation:
		out = decryptCoordinate(c, out, latitudeField, encLatitude, report)
		out = decryptCoordinate(c, out, longitudeField, encLongitude, report)
	case models.RawTypeCustom:
		pt, err := DecryptField(c, gjson.Get(out, customContent).String())
		if err == nil && (!gjson.Valid(pt) || !gjson.Parse(pt).IsObject()) {
			err = ErrInvalidPayload.WithDetails("content is not an object")
		}
		if err == nil {
			out, err = sjson.SetRaw(out, customContent, pt)
		}
		if err != nil {
			report.fail(customContent, err)
		} else {
			report.ok(customContent)
		}
	}
	return out, report, nil
}

func decryptStringAt(c FieldCipher, payload, field string, report *FieldReport) string {
	pt, err := DecryptField(c, gjson.Get(payload, field).String())
	if err != nil {
		report.fail(field, err)
		return payload
	}
	out, err := sjson.Set(payload, field, pt)
	if err != nil {
		report.fail(field, err)
		return payload
	}
	report.ok(field)
	return out
}

// decryptCoordinate restores the numeric field from its encrypted twin and
// leaves the decrypted string form in the twin.
func decryptCoordinate(c FieldCipher, payload, numField, encField string, report *FieldReport) string {
	pt, err := DecryptField(c, gjson.Get(payload, encField).String())
	if err != nil {
		report.fail(encField, err)
		return payload
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(pt), 64)
	if err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
		err = fmt.Errorf("non-finite coordinate %q", pt)
	}
	if err != nil {
		report.fail(encField, err)
		return payload
	}
	out, err := sjson.SetRaw(payload, numField, strconv.FormatFloat(v, 'f', -1, 64))
	if err == nil {
		out, err = sjson.Set(out, encField, strconv.FormatFloat(v, 'f', -1, 64))
	}
	if err != nil {
		report.fail(encField, err)
		return payload
	}
	report.ok(encField)
	return out
}

func encryptableFields(rawType models.RawType) ([]string, bool) {
	switch rawType {
	case models.RawTypeFileAttachment:
		return fileAttachmentFields, true
	case models.RawTypeContactPerson:
		return contactPersonFields, true
	case models.RawTypeLocation:
		return locationFields, true
	case models.RawTypeReply:
		return replyFields, true
	case models.RawTypeCustom:
		return nil, true
	}
	return nil, false
}
