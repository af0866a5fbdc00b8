package cache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Container layout:
//
//	[headerLength uint64][metaLength uint64][header JSON][metadata JSON][payload]
//
// Length prefixes are little-endian and fixed at 8 bytes regardless of the
// host word size.
const (
	lengthFieldSize  = 8
	lengthPrefixSize = 2 * lengthFieldSize
)

// EncodingZstd marks a zstd-compressed payload sector.
const EncodingZstd = "zstd"

const (
	modulePath      = "github.com/cacheit/cacheit"
	fallbackVersion = "1.0"
)

// Sector names one region of a container.
type Sector int

const (
	SectorHeader Sector = iota
	SectorMetadata
	SectorPayload
)

func (s Sector) String() string {
	switch s {
	case SectorHeader:
		return "header"
	case SectorMetadata:
		return "metadata"
	case SectorPayload:
		return "payload"
	default:
		return "unknown"
	}
}

// Header is the JSON header sector of a container.
type Header struct {
	FileName   string `json:"_fileName"`
	CacheKey   string `json:"_cacheKey"`
	Expiration string `json:"_expiration"`
	Version    string `json:"_version"`
	Encoding   string `json:"_encoding,omitempty"`
}

// NewHeader builds a header for an entry expiring at expiration.
func NewHeader(fileName string, key Key, expiration time.Time) Header {
	return Header{
		FileName:   fileName,
		CacheKey:   key,
		Expiration: FormatExpiration(expiration),
		Version:    LibraryVersion(),
	}
}

// ExpirationTime parses the header's expiration timestamp.
func (h Header) ExpirationTime() (time.Time, error) {
	return ParseExpiration(h.Expiration)
}

// FormatExpiration renders t as an internet date-time in the local zone.
func FormatExpiration(t time.Time) string {
	return t.In(time.Local).Format(time.RFC3339)
}

// ParseExpiration parses a timestamp written by FormatExpiration.
func ParseExpiration(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

var (
	versionOnce sync.Once
	version     string
)

// LibraryVersion returns the module version recorded in the build info, or
// "1.0" when it cannot be resolved.
func LibraryVersion() string {
	versionOnce.Do(func() {
		version = fallbackVersion
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		candidates := append([]*debug.Module{&info.Main}, info.Deps...)
		for _, m := range candidates {
			if m == nil || m.Path != modulePath {
				continue
			}
			if v := strings.TrimPrefix(m.Version, "v"); v != "" && v != "(devel)" {
				version = v
			}
			return
		}
	})
	return version
}

// EncodeContainer lays out header, metadata and payload. A nil metadata map
// produces an empty metadata sector.
func EncodeContainer(header Header, metadata Metadata, payload []byte) ([]byte, error) {
	headerData, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}

	var metaData []byte
	if metadata != nil {
		metaData, err = json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	total := uint64(lengthPrefixSize) + uint64(len(headerData)) + uint64(len(metaData))
	if total > math.MaxInt-uint64(len(payload)) {
		return nil, fmt.Errorf("%w: container exceeds addressable size", ErrCorruptContainer)
	}

	container := make([]byte, lengthPrefixSize, int(total)+len(payload))
	binary.LittleEndian.PutUint64(container[0:lengthFieldSize], uint64(len(headerData)))
	binary.LittleEndian.PutUint64(container[lengthFieldSize:lengthPrefixSize], uint64(len(metaData)))
	container = append(container, headerData...)
	container = append(container, metaData...)
	container = append(container, payload...)

	return container, nil
}

// ParseLengthPrefix decodes the two length fields at the start of a
// container of total bytes and checks that both sectors fit.
func ParseLengthPrefix(prefix []byte, total uint64) (headerLen, metaLen uint64, err error) {
	if len(prefix) < lengthPrefixSize || total < lengthPrefixSize {
		return 0, 0, ErrShortContainer
	}

	headerLen = binary.LittleEndian.Uint64(prefix[0:lengthFieldSize])
	metaLen = binary.LittleEndian.Uint64(prefix[lengthFieldSize:lengthPrefixSize])

	available := total - lengthPrefixSize
	if headerLen > available || metaLen > available-headerLen {
		return 0, 0, fmt.Errorf("%w: header %d + metadata %d bytes exceed %d available",
			ErrCorruptContainer, headerLen, metaLen, available)
	}
	return headerLen, metaLen, nil
}

func sectorLengths(container []byte) (headerLen, metaLen uint64, err error) {
	return ParseLengthPrefix(container, uint64(len(container)))
}

// ReadSector slices one sector out of a container. The metadata sector is
// nil when its length is zero.
func ReadSector(container []byte, sector Sector) ([]byte, error) {
	headerLen, metaLen, err := sectorLengths(container)
	if err != nil {
		return nil, err
	}

	headerStart := uint64(lengthPrefixSize)
	metaStart := headerStart + headerLen
	payloadStart := metaStart + metaLen

	switch sector {
	case SectorHeader:
		return container[headerStart:metaStart], nil
	case SectorMetadata:
		if metaLen == 0 {
			return nil, nil
		}
		return container[metaStart:payloadStart], nil
	case SectorPayload:
		return container[payloadStart:], nil
	default:
		return nil, fmt.Errorf("unknown sector %d", int(sector))
	}
}

// DecodeHeader parses a header sector and validates the required fields.
func DecodeHeader(data []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrCorruptContainer, err)
	}
	if h.CacheKey == "" {
		return Header{}, fmt.Errorf("%w: header has no cache key", ErrCorruptContainer)
	}
	if _, err := h.ExpirationTime(); err != nil {
		return Header{}, fmt.Errorf("%w: bad expiration %q", ErrCorruptContainer, h.Expiration)
	}
	return h, nil
}

// DecodeMetadata parses a metadata sector. Empty input yields nil.
func DecodeMetadata(data []byte) (Metadata, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptContainer, err)
	}
	return m, nil
}
