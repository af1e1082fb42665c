// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !nopcp

package portmap

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/autobrr/qb-port-sync/internal/domain"
)

// PCPCompiled is false in binaries built with the nopcp tag.
const PCPCompiled = true

const (
	pcpVersion     = 2
	pcpOpMap       = 1
	pcpResponseBit = 0x80
	pcpMessageSize = 60
	pcpNonceSize   = 12

	ipProtoTCP = 6
	ipProtoUDP = 17
)

// RFC 6887 result codes.
const (
	pcpSuccess               = 0
	pcpUnsuppVersion         = 1
	pcpNotAuthorized         = 2
	pcpMalformedRequest      = 3
	pcpUnsuppOpcode          = 4
	pcpUnsuppOption          = 5
	pcpMalformedOption       = 6
	pcpNetworkFailure        = 7
	pcpNoResources           = 8
	pcpUnsuppProtocol        = 9
	pcpUserExQuota           = 10
	pcpCannotProvideExternal = 11
	pcpAddressMismatch       = 12
	pcpExcessiveRemotePeers  = 13
)

var pcpResultNames = map[byte]string{
	pcpUnsuppVersion:         "UNSUPP_VERSION",
	pcpNotAuthorized:         "NOT_AUTHORIZED",
	pcpMalformedRequest:      "MALFORMED_REQUEST",
	pcpUnsuppOpcode:          "UNSUPP_OPCODE",
	pcpUnsuppOption:          "UNSUPP_OPTION",
	pcpMalformedOption:       "MALFORMED_OPTION",
	pcpNetworkFailure:        "NETWORK_FAILURE",
	pcpNoResources:           "NO_RESOURCES",
	pcpUnsuppProtocol:        "UNSUPP_PROTOCOL",
	pcpUserExQuota:           "USER_EX_QUOTA",
	pcpCannotProvideExternal: "CANNOT_PROVIDE_EXTERNAL",
	pcpAddressMismatch:       "ADDRESS_MISMATCH",
	pcpExcessiveRemotePeers:  "EXCESSIVE_REMOTE_PEERS",
}

// PCP maps ports with RFC 6887 MAP requests. Renewals and deletion of a
// mapping reuse the nonce of the request that created it.
type PCP struct {
	port int

	mu     sync.Mutex
	nonces map[pcpMappingKey][pcpNonceSize]byte
}

type pcpMappingKey struct {
	protocol     byte
	internalPort uint16
}

func newPCPBackend(opts BackendOptions) Backend {
	port := opts.Port
	if port == 0 {
		port = GatewayPort
	}
	return &PCP{port: port, nonces: make(map[pcpMappingKey][pcpNonceSize]byte)}
}

func (b *PCP) nonce(key pcpMappingKey) ([pcpNonceSize]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n, ok := b.nonces[key]; ok {
		return n, nil
	}

	var n [pcpNonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("pcp: nonce: %w", err)
	}
	b.nonces[key] = n
	return n, nil
}

func (b *PCP) forget(key pcpMappingKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nonces, key)
}

func (b *PCP) Name() domain.Strategy {
	return domain.StrategyPCP
}

func (b *PCP) Map(ctx context.Context, gateway net.IP, req MapRequest) (Grant, error) {
	lifetime := uint32(req.Lifetime / time.Second)
	if lifetime == 0 {
		return Grant{}, fmt.Errorf("pcp: lifetime must be positive")
	}

	key := pcpMappingKey{protocol: ipProto(req.Transport), internalPort: req.InternalPort}
	nonce, err := b.nonce(key)
	if err != nil {
		return Grant{}, err
	}

	resp, err := b.exchange(ctx, gateway, pcpMapRequest{
		lifetime:     lifetime,
		nonce:        nonce,
		protocol:     key.protocol,
		internalPort: key.internalPort,
		externalPort: req.ExternalPort,
	})
	if err != nil {
		return Grant{}, err
	}
	if resp.externalPort == 0 {
		return Grant{}, fmt.Errorf("pcp: gateway granted port 0")
	}

	return Grant{
		ExternalPort: resp.externalPort,
		Lifetime:     time.Duration(resp.lifetime) * time.Second,
	}, nil
}

// Unmap sends a MAP with lifetime zero, which deletes the mapping.
func (b *PCP) Unmap(ctx context.Context, gateway net.IP, transport domain.Transport, internalPort uint16) error {
	key := pcpMappingKey{protocol: ipProto(transport), internalPort: internalPort}
	nonce, err := b.nonce(key)
	if err != nil {
		return err
	}

	if _, err := b.exchange(ctx, gateway, pcpMapRequest{
		nonce:        nonce,
		protocol:     key.protocol,
		internalPort: key.internalPort,
	}); err != nil {
		return err
	}

	b.forget(key)
	return nil
}

func (b *PCP) exchange(ctx context.Context, gateway net.IP, req pcpMapRequest) (pcpMapResponse, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", net.JoinHostPort(gateway.String(), strconv.Itoa(b.port)))
	if err != nil {
		return pcpMapResponse{}, fmt.Errorf("pcp: dial %s: %w", gateway, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return pcpMapResponse{}, err
		}
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return pcpMapResponse{}, fmt.Errorf("pcp: unexpected local address type %T", conn.LocalAddr())
	}
	req.clientIP = local.IP

	if _, err := conn.Write(req.marshal()); err != nil {
		return pcpMapResponse{}, fmt.Errorf("pcp: send: %w", err)
	}

	buf := make([]byte, 1100)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return pcpMapResponse{}, fmt.Errorf("pcp: %w", ctxErr)
			}
			return pcpMapResponse{}, fmt.Errorf("pcp: receive: %w", err)
		}

		resp, err := parsePCPMapResponse(buf[:n])
		if err != nil {
			if errors.Is(err, ErrProtocolUnsupported) {
				return pcpMapResponse{}, err
			}
			continue
		}
		if resp.nonce != req.nonce {
			continue
		}
		if resp.resultCode != pcpSuccess {
			return pcpMapResponse{}, resultError(resp.resultCode)
		}
		return resp, nil
	}
}

func resultError(code byte) error {
	name, ok := pcpResultNames[code]
	if !ok {
		name = "result " + strconv.Itoa(int(code))
	}

	switch code {
	case pcpNetworkFailure, pcpNoResources, pcpUserExQuota, pcpCannotProvideExternal, pcpExcessiveRemotePeers:
		return fmt.Errorf("pcp: gateway answered %s", name)
	default:
		return unrecoverable("pcp: gateway answered %s", name)
	}
}

func ipProto(t domain.Transport) byte {
	if t == domain.TransportUDP {
		return ipProtoUDP
	}
	return ipProtoTCP
}

type pcpMapRequest struct {
	lifetime     uint32
	clientIP     net.IP
	nonce        [pcpNonceSize]byte
	protocol     byte
	internalPort uint16
	externalPort uint16
}

// marshal lays out the common header followed by the MAP opcode payload.
// The suggested external address is left as the IPv4-mapped any address.
func (r pcpMapRequest) marshal() []byte {
	msg := make([]byte, pcpMessageSize)
	msg[0] = pcpVersion
	msg[1] = pcpOpMap
	binary.BigEndian.PutUint32(msg[4:8], r.lifetime)
	copy(msg[8:24], r.clientIP.To16())

	copy(msg[24:36], r.nonce[:])
	msg[36] = r.protocol
	binary.BigEndian.PutUint16(msg[40:42], r.internalPort)
	binary.BigEndian.PutUint16(msg[42:44], r.externalPort)
	copy(msg[44:60], net.IPv4zero.To16())

	return msg
}

type pcpMapResponse struct {
	resultCode   byte
	lifetime     uint32
	epoch        uint32
	nonce        [pcpNonceSize]byte
	protocol     byte
	internalPort uint16
	externalPort uint16
	externalIP   net.IP
}

func parsePCPMapResponse(msg []byte) (pcpMapResponse, error) {
	if len(msg) >= 2 && msg[0] == 0 {
		// A NAT-PMP only server answers any version 2 packet in its own format.
		return pcpMapResponse{}, unrecoverable("pcp: gateway only speaks NAT-PMP")
	}
	if len(msg) < pcpMessageSize {
		return pcpMapResponse{}, fmt.Errorf("pcp: short response (%d bytes)", len(msg))
	}
	if msg[0] != pcpVersion {
		return pcpMapResponse{}, unrecoverable("pcp: gateway answered version %d", msg[0])
	}
	if msg[1] != pcpOpMap|pcpResponseBit {
		return pcpMapResponse{}, fmt.Errorf("pcp: unexpected opcode %#x", msg[1])
	}

	resp := pcpMapResponse{
		resultCode:   msg[3],
		lifetime:     binary.BigEndian.Uint32(msg[4:8]),
		epoch:        binary.BigEndian.Uint32(msg[8:12]),
		protocol:     msg[36],
		internalPort: binary.BigEndian.Uint16(msg[40:42]),
		externalPort: binary.BigEndian.Uint16(msg[42:44]),
		externalIP:   net.IP(append([]byte(nil), msg[44:60]...)),
	}
	copy(resp.nonce[:], msg[24:36])

	return resp, nil
}
