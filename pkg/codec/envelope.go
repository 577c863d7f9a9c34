package codec

import "fmt"

// Envelope is one serialized application message together with the two wire
// metadata properties it travels with: the serializer name (content-encoding)
// and the application type name (content-type). The type name is diagnostic
// only and never drives dispatch.
type Envelope struct {
	Body            []byte
	ContentEncoding string
	ContentType     string
}

// SerializationError reports a failed encode. It is surfaced as a failed
// caller outcome, never a crash.
type SerializationError struct {
	TypeName string
	Err      error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to serialize %s: %v", e.TypeName, e.Err)
}

// Cause returns the underlying encode error.
func (e *SerializationError) Cause() error { return e.Err }

// DeserializationError reports a failed decode.
type DeserializationError struct {
	ContentEncoding string
	ContentType     string
	Err             error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("failed to deserialize %s (encoding %q): %v",
		e.ContentType, e.ContentEncoding, e.Err)
}

// Cause returns the underlying decode error.
func (e *DeserializationError) Cause() error { return e.Err }

// Serialize encodes v with the given serializer and stamps the envelope
// metadata.
func Serialize(v interface{}, s Serializer) (Envelope, error) {
	typeName := fmt.Sprintf("%T", v)

	body, err := s.Marshal(v)
	if err != nil {
		return Envelope{}, &SerializationError{TypeName: typeName, Err: err}
	}

	return Envelope{
		Body:            body,
		ContentEncoding: s.Name(),
		ContentType:     typeName,
	}, nil
}

// Deserialize decodes the envelope body into v. The serializer is resolved
// from the envelope's content-encoding; an unknown or missing encoding falls
// back to the registry default instead of failing. The serializer that was
// used is returned.
func Deserialize(env Envelope, reg *Registry, v interface{}) (Serializer, error) {
	s := reg.Resolve(env.ContentEncoding)

	if err := s.Unmarshal(env.Body, v); err != nil {
		return nil, &DeserializationError{
			ContentEncoding: env.ContentEncoding,
			ContentType:     env.ContentType,
			Err:             err,
		}
	}

	return s, nil
}
