package models

import "time"

// PeerIdentity доверенная личность спаренного устройства.
// Создается при pairing и далее неизменяема, кроме DisplayName.
// PeerID детерминированно выводится из отпечатка сертификата.
type PeerIdentity struct {
	PairedAt    time.Time `json:"paired_at"`
	PeerID      string    `json:"peer_id"`      // PeerID стабильный идентификатор (hex префикс SHA-256 отпечатка сертификата)
	DisplayName string    `json:"display_name"` // DisplayName человекочитаемое имя устройства
	Fingerprint []byte    `json:"fingerprint"`  // Fingerprint SHA-256 отпечаток сертификата (32 байта)
}

// SyncState журнальная бухгалтерия по одному peer: до какого места
// журналы каждого origin уже применены (pull) и до какого номера peer
// подтвердил получение наших изменений (push). Мутируется только
// оркестратором после завершения (или частичного завершения) раунда.
type SyncState struct {
	LastSyncAt       time.Time        `json:"last_sync_at"`
	LastPulled       map[string]int64 `json:"last_pulled"` // LastPulled курсор по каждому origin: последний durably применённый sequence_no
	PeerID           string           `json:"peer_id"`
	LastPushed       int64            `json:"last_pushed"` // LastPushed последний подтвержденный peer-ом номер нашего собственного origin
	PendingConflicts int64            `json:"pending_conflicts"`
}

// SyncStatus операционный снимок состояния синхронизации с peer-ом
type SyncStatus struct {
	LastSyncAt     time.Time `json:"last_sync_at"`
	PeerID         string    `json:"peer_id"`
	PendingChanges int64     `json:"pending_changes"` // PendingChanges локальные изменения, еще не подтвержденные peer-ом
	Connected      bool      `json:"connected"`
}
