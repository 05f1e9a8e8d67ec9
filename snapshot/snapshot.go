// Package snapshot encodes the full state of a context into a
// self-verifying byte image.
//
// Layout:
//
//	[0:4)   magic "FLSN"
//	[4:8)   format version, big endian
//	[8:40)  SHA-256 of the body
//	[40:)   body, canonical JSON (RFC 8785)
//
// 64-bit counters are carried as decimal strings so canonicalization never
// rounds them.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/reglet-dev/filament-host/blob"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/timeline"
)

const (
	Magic         = "FLSN"
	FormatVersion = uint32(1)
	HeaderSize    = 8
	DigestSize    = sha256.Size
)

// Snapshot is the decoded state of a context.
type Snapshot struct {
	KV          map[string][]byte
	ContextID   string
	Plugin      string
	PluginState []byte
	Blobs       blob.State
	Timeline    timeline.State
	Epoch       uint64
	CreatedAt   int64
}

// Encode renders s into its binary image.
func Encode(s Snapshot) ([]byte, error) {
	raw, err := json.Marshal(toDocument(s))
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Internal, "snapshot.encode", err)
	}
	body, err := jcs.Transform(raw)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Internal, "snapshot.encode", err)
	}
	sum := sha256.Sum256(body)

	out := make([]byte, 0, HeaderSize+DigestSize+len(body))
	out = append(out, Magic...)
	out = binary.BigEndian.AppendUint32(out, FormatVersion)
	out = append(out, sum[:]...)
	return append(out, body...), nil
}

// Decode verifies and parses an image. An unknown format version is
// VERSION_MISMATCH; any other defect is INVALID_ARGUMENT.
func Decode(data []byte) (Snapshot, error) {
	body, err := verify(data)
	if err != nil {
		return Snapshot{}, err
	}
	var doc document
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return Snapshot{}, ferrors.Wrap(ferrors.InvalidArgument, "snapshot.decode", err)
	}
	s := doc.snapshot()
	if err := s.Timeline.Validate(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// Digest returns the hex body digest carried in the header of an image.
func Digest(data []byte) (string, error) {
	if _, err := verify(data); err != nil {
		return "", err
	}
	return hex.EncodeToString(data[HeaderSize : HeaderSize+DigestSize]), nil
}

func verify(data []byte) ([]byte, error) {
	if len(data) < HeaderSize+DigestSize || string(data[:4]) != Magic {
		return nil, ferrors.New(ferrors.InvalidArgument, "snapshot.decode", "not a snapshot image")
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v != FormatVersion {
		return nil, ferrors.New(ferrors.VersionMismatch, "snapshot.decode",
			"format version %d, supported %d", v, FormatVersion)
	}
	body := data[HeaderSize+DigestSize:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], data[HeaderSize:HeaderSize+DigestSize]) {
		return nil, ferrors.New(ferrors.InvalidArgument, "snapshot.decode", "digest mismatch")
	}
	return body, nil
}

// String implements fmt.Stringer for logs.
func (s Snapshot) String() string {
	return fmt.Sprintf("snapshot(context=%s epoch=%d events=%d blobs=%d keys=%d)",
		s.ContextID, s.Epoch, len(s.Timeline.Events), len(s.Blobs.Blobs), len(s.KV))
}
