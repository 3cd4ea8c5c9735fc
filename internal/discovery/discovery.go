// Package discovery объявляет установку в локальной сети и находит
// других peer-ов через mDNS/DNS-SD. Discovery только сообщает о
// присутствии: найденный peer становится доступен для синхронизации
// лишь после pairing, а анонс не раскрывает ничего, кроме peer id,
// отпечатка сертификата и display name.
package discovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// mDNS-параметры сервиса
const (
	serviceType = "_pairsync._tcp"
	domain      = "local."
)

// TXT-ключи анонса
const (
	txtPeerID      = "peer_id"
	txtFingerprint = "fp"
	txtDisplayName = "name"
)

// Announcement данные, которые установка публикует о себе
type Announcement struct {
	PeerID      string
	DisplayName string
	Fingerprint []byte
	Port        int
}

// Peer найденная в сети установка
type Peer struct {
	PeerID      string
	DisplayName string
	Fingerprint []byte
	Addrs       []net.IP
	Port        int
}

// Addr returns the first usable host:port for dialing the peer
func (p *Peer) Addr() string {
	if len(p.Addrs) == 0 {
		return ""
	}
	return net.JoinHostPort(p.Addrs[0].String(), fmt.Sprintf("%d", p.Port))
}

// Service публикует собственный анонс и просматривает сеть
type Service struct {
	logger *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// New creates a new discovery service
func New(logger *slog.Logger) *Service {
	return &Service{logger: logger}
}

// Announce публикует mDNS-анонс установки. Анонс остается активным до
// вызова Shutdown.
func (s *Service) Announce(ann Announcement) error {
	txt := []string{
		txtPeerID + "=" + ann.PeerID,
		txtFingerprint + "=" + hex.EncodeToString(ann.Fingerprint),
		txtDisplayName + "=" + ann.DisplayName,
	}

	server, err := zeroconf.Register(ann.PeerID, serviceType, domain, ann.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register mdns service: %w", err)
	}

	s.mu.Lock()
	if s.server != nil {
		s.server.Shutdown()
	}
	s.server = server
	s.mu.Unlock()

	s.logger.Info("announcing on local network",
		"peer_id", ann.PeerID,
		"port", ann.Port)

	return nil
}

// Shutdown снимает анонс
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}
}

// Browse просматривает локальную сеть до истечения ctx и возвращает
// найденные установки, кроме собственной.
func (s *Service) Browse(ctx context.Context, ownPeerID string) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, serviceType, domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse mdns: %w", err)
	}

	var peers []Peer
	seen := make(map[string]bool)

	for entry := range entries {
		peer, ok := peerFromEntry(entry)
		if !ok {
			s.logger.Debug("ignoring malformed mdns entry", "instance", entry.Instance)
			continue
		}
		if peer.PeerID == ownPeerID || seen[peer.PeerID] {
			continue
		}
		seen[peer.PeerID] = true
		peers = append(peers, peer)
	}

	return peers, nil
}

// peerFromEntry разбирает TXT-записи анонса
func peerFromEntry(entry *zeroconf.ServiceEntry) (Peer, bool) {
	peer := Peer{Port: entry.Port}

	for _, ip := range entry.AddrIPv4 {
		peer.Addrs = append(peer.Addrs, ip)
	}
	for _, ip := range entry.AddrIPv6 {
		peer.Addrs = append(peer.Addrs, ip)
	}

	for _, record := range entry.Text {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		switch key {
		case txtPeerID:
			peer.PeerID = value
		case txtDisplayName:
			peer.DisplayName = value
		case txtFingerprint:
			fp, err := hex.DecodeString(value)
			if err != nil {
				return Peer{}, false
			}
			peer.Fingerprint = fp
		}
	}

	if peer.PeerID == "" || len(peer.Fingerprint) == 0 || len(peer.Addrs) == 0 {
		return Peer{}, false
	}

	return peer, true
}
