package daemon

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"overlaynet/internal/data"
	"overlaynet/internal/network"
)

const statusFile = "status.json"

// Status is the operator view written to <home>/status.json and served on
// /status.
type Status struct {
	ID          string            `json:"id"`
	Addresses   []network.Address `json:"addresses"`
	Connections []ConnStatus      `json:"connections"`
	KnownPeers  []PeerStatus      `json:"known_peers"`
	Entries     map[string]int    `json:"entries"`
	Updated     time.Time         `json:"updated"`
}

type ConnStatus struct {
	Peer     string    `json:"peer"`
	Address  string    `json:"address"`
	Verified bool      `json:"verified"`
	Outbound bool      `json:"outbound"`
	Since    time.Time `json:"since"`
}

type PeerStatus struct {
	ID          string            `json:"id"`
	Addresses   []network.Address `json:"addresses"`
	Source      string            `json:"source"`
	FailCount   int               `json:"fail_count"`
	LastSuccess time.Time         `json:"last_success,omitempty"`
}

func (r *Runner) Status() Status {
	self := r.Node.Self()
	st := Status{
		ID:        self.ID().String(),
		Addresses: self.Addresses,
		Entries:   make(map[string]int),
		Updated:   r.clock.Now().UTC(),
	}
	for _, c := range r.Node.Connections() {
		st.Connections = append(st.Connections, ConnStatus{
			Peer:     c.PeerID().String(),
			Address:  c.PeerAddress().String(),
			Verified: c.PeerAddressVerified(),
			Outbound: c.Outbound(),
			Since:    c.Created().UTC(),
		})
	}
	sort.Slice(st.Connections, func(i, j int) bool {
		return st.Connections[i].Since.Before(st.Connections[j].Since)
	})
	for _, p := range r.Peers.List() {
		st.KnownPeers = append(st.KnownPeers, PeerStatus{
			ID:          p.ID().String(),
			Addresses:   p.Capability.NetworkID.Addresses,
			Source:      string(p.Source),
			FailCount:   p.FailCount,
			LastSuccess: p.LastSuccess,
		})
	}
	for _, kind := range data.Kinds() {
		st.Entries[kind] = len(r.Data.Entries(kind))
	}
	return st
}

// ReadStatus loads the last status written under home.
func ReadStatus(home string) (Status, error) {
	var st Status
	raw, err := os.ReadFile(filepath.Join(home, statusFile))
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(raw, &st)
	return st, err
}

func writeStatusFile(path string, st Status) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0600)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
