package doip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ProtocolVersion is the generic header version used in discovery datagrams (ISO 13400-2:2012).
const ProtocolVersion uint8 = 0x02

// GenericHeaderLen is the size of the generic header preceding every discovery payload.
const GenericHeaderLen = 8

// PayloadType identifies the content of a discovery datagram.
type PayloadType uint16

const (
	PayloadGenericNACK                  PayloadType = 0x0000
	PayloadVehicleIdentificationRequest PayloadType = 0x0001
	PayloadVehicleIdentificationByEID   PayloadType = 0x0002
	PayloadVehicleIdentificationByVIN   PayloadType = 0x0003
	PayloadVehicleAnnouncement          PayloadType = 0x0004
	PayloadEntityStatusRequest          PayloadType = 0x4001
	PayloadEntityStatusResponse         PayloadType = 0x4002
)

func (t PayloadType) String() string {
	switch t {
	case PayloadGenericNACK:
		return "generic_nack"
	case PayloadVehicleIdentificationRequest:
		return "vehicle_identification_request"
	case PayloadVehicleIdentificationByEID:
		return "vehicle_identification_request_eid"
	case PayloadVehicleIdentificationByVIN:
		return "vehicle_identification_request_vin"
	case PayloadVehicleAnnouncement:
		return "vehicle_announcement"
	case PayloadEntityStatusRequest:
		return "entity_status_request"
	case PayloadEntityStatusResponse:
		return "entity_status_response"
	default:
		return fmt.Sprintf("payload(0x%04x)", uint16(t))
	}
}

var (
	ErrShortGenericHeader = errors.New("datagram shorter than generic header")
	ErrBadVersion         = errors.New("protocol version and inverse do not match")
	ErrLengthMismatch     = errors.New("payload length does not match datagram")
	ErrUnexpectedPayload  = errors.New("unexpected payload type")
)

// GenericHeader precedes every discovery datagram.
type GenericHeader struct {
	Version uint8
	Type    PayloadType
	Length  uint32
}

// AppendGenericHeader appends an 8-byte header for a payload of the given type and length.
func AppendGenericHeader(dst []byte, typ PayloadType, length uint32) []byte {
	dst = append(dst, ProtocolVersion, ^ProtocolVersion)
	dst = binary.BigEndian.AppendUint16(dst, uint16(typ))
	return binary.BigEndian.AppendUint32(dst, length)
}

// ParseGenericHeader decodes and checks the header at the start of b and
// returns the payload that follows it.
func ParseGenericHeader(b []byte) (GenericHeader, []byte, error) {
	if len(b) < GenericHeaderLen {
		return GenericHeader{}, nil, ErrShortGenericHeader
	}
	if b[0] != ^b[1] {
		return GenericHeader{}, nil, ErrBadVersion
	}
	h := GenericHeader{
		Version: b[0],
		Type:    PayloadType(binary.BigEndian.Uint16(b[2:4])),
		Length:  binary.BigEndian.Uint32(b[4:8]),
	}
	body := b[GenericHeaderLen:]
	if uint64(len(body)) != uint64(h.Length) {
		return h, nil, fmt.Errorf("%w: header says %d, got %d", ErrLengthMismatch, h.Length, len(body))
	}
	return h, body, nil
}

// VehicleIdentificationRequest returns the broadcast datagram asking every
// entity on the network to announce itself.
func VehicleIdentificationRequest() []byte {
	return AppendGenericHeader(make([]byte, 0, GenericHeaderLen), PayloadVehicleIdentificationRequest, 0)
}

// VehicleAnnouncement is the response to a vehicle identification request.
type VehicleAnnouncement struct {
	VIN            string
	LogicalAddress LogicalAddress
	EID            [6]byte
	GID            [6]byte
	FurtherAction  uint8
	SyncStatus     *uint8
}

const (
	vinLen                 = 17
	announcementLen        = vinLen + 2 + 6 + 6 + 1
	announcementLenWithGID = announcementLen + 1
)

// ParseVehicleAnnouncement decodes a full discovery datagram carrying a
// vehicle announcement.
func ParseVehicleAnnouncement(b []byte) (*VehicleAnnouncement, error) {
	h, body, err := ParseGenericHeader(b)
	if err != nil {
		return nil, err
	}
	if h.Type != PayloadVehicleAnnouncement {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPayload, h.Type)
	}
	if len(body) != announcementLen && len(body) != announcementLenWithGID {
		return nil, fmt.Errorf("%w: announcement body is %d bytes", ErrLengthMismatch, len(body))
	}

	a := &VehicleAnnouncement{
		VIN:            strings.TrimRight(string(body[:vinLen]), "\x00 "),
		LogicalAddress: LogicalAddress(binary.BigEndian.Uint16(body[vinLen : vinLen+2])),
	}
	off := vinLen + 2
	copy(a.EID[:], body[off:off+6])
	off += 6
	copy(a.GID[:], body[off:off+6])
	off += 6
	a.FurtherAction = body[off]
	if len(body) == announcementLenWithGID {
		s := body[off+1]
		a.SyncStatus = &s
	}
	return a, nil
}
