package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// LinkScheme is the URL scheme of join links.
const LinkScheme = "claj"

var ErrInvalidLink = errors.New("protocol: invalid join link")

// Link is a shareable join link: claj://host:port/<roomID>.
type Link struct {
	Host   string
	Port   uint16
	RoomID int64
}

// EncodeRoomID returns the URL-safe, unpadded base64 form of a room id.
func EncodeRoomID(id int64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// DecodeRoomID parses a room id produced by EncodeRoomID.
func DecodeRoomID(s string) (int64, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: room id: %w", ErrInvalidLink, err)
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: room id is %d bytes", ErrInvalidLink, len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (l Link) String() string {
	u := url.URL{
		Scheme: LinkScheme,
		Host:   net.JoinHostPort(l.Host, strconv.Itoa(int(l.Port))),
		Path:   "/" + EncodeRoomID(l.RoomID),
	}
	return u.String()
}

// ParseLink parses a join link.
func ParseLink(s string) (Link, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return Link{}, fmt.Errorf("%w: %w", ErrInvalidLink, err)
	}
	if u.Scheme != LinkScheme {
		return Link{}, fmt.Errorf("%w: scheme %q", ErrInvalidLink, u.Scheme)
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %w", ErrInvalidLink, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Link{}, fmt.Errorf("%w: port %q", ErrInvalidLink, portStr)
	}

	id, err := DecodeRoomID(strings.TrimPrefix(u.Path, "/"))
	if err != nil {
		return Link{}, err
	}
	return Link{Host: host, Port: uint16(port), RoomID: id}, nil
}

// LinkFrom builds the link announced by a RoomLink packet. An empty host in
// the packet is replaced by fallbackHost.
func LinkFrom(p *RoomLink, fallbackHost string) Link {
	host := p.Host
	if host == "" {
		host = fallbackHost
	}
	return Link{Host: host, Port: p.Port, RoomID: p.RoomID}
}
