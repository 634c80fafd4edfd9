// Package jsontime provides time types that serialize to compact JSON
// representations used on the pod wire and in persisted records.
package jsontime

import (
	"encoding/json"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Milli is a time.Time that serializes to/from Unix milliseconds in JSON.
// It is the timestamp type for control messages, state events and packet
// stamps.
type Milli time.Time

// NowMilli returns the current time as Milli.
func NowMilli() Milli {
	return Milli(time.Now())
}

// UnixMilli returns the Milli for the given Unix millisecond count.
func UnixMilli(ms int64) Milli {
	return Milli(time.UnixMilli(ms))
}

// Time returns the underlying time.Time value.
func (ep Milli) Time() time.Time {
	return time.Time(ep)
}

// UnixMilli returns the time as a Unix millisecond count.
func (ep Milli) UnixMilli() int64 {
	return time.Time(ep).UnixMilli()
}

// Before reports whether ep is before t.
func (ep Milli) Before(t Milli) bool {
	return time.Time(ep).Before(time.Time(t))
}

// After reports whether ep is after t.
func (ep Milli) After(t Milli) bool {
	return time.Time(ep).After(time.Time(t))
}

// Equal reports whether ep and t represent the same time instant.
func (ep Milli) Equal(t Milli) bool {
	return time.Time(ep).Equal(time.Time(t))
}

// String returns the time formatted as a string.
func (ep Milli) String() string {
	return time.Time(ep).String()
}

// UnmarshalJSON implements json.Unmarshaler.
func (ep *Milli) UnmarshalJSON(b []byte) error {
	var t int64
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	*ep = Milli(time.UnixMilli(t))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (ep Milli) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(ep).UnixMilli())
}

var (
	_ msgpack.CustomEncoder = Milli{}
	_ msgpack.CustomDecoder = (*Milli)(nil)
)

// EncodeMsgpack implements msgpack.CustomEncoder. Persisted records use
// the same Unix millisecond convention as the JSON form.
func (ep Milli) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeInt64(time.Time(ep).UnixMilli())
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (ep *Milli) DecodeMsgpack(dec *msgpack.Decoder) error {
	ms, err := dec.DecodeInt64()
	if err != nil {
		return err
	}
	*ep = Milli(time.UnixMilli(ms))
	return nil
}

// IsZero reports whether ep represents the zero time instant.
func (ep Milli) IsZero() bool {
	return time.Time(ep).IsZero()
}

// Sub returns the duration ep-t.
func (ep Milli) Sub(t Milli) time.Duration {
	return time.Time(ep).Sub(time.Time(t))
}

// Add returns the time ep+d.
func (ep Milli) Add(d time.Duration) Milli {
	return Milli(time.Time(ep).Add(d))
}
