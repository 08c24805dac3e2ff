package cluster

import (
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// StatusCode is the outcome carried in every shuffle manager response.
type StatusCode string

const (
	// StatusSuccess means the request was accepted and processed.
	StatusSuccess StatusCode = "SUCCESS"
	// StatusInvalidRequest means the request was rejected without changing any state.
	StatusInvalidRequest StatusCode = "INVALID_REQUEST"
)

// ServerInfo identifies a shuffle server.
type ServerInfo struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns the server's host:port.
func (s ServerInfo) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// ServerIDs returns the ids of servers with duplicates removed, in first-seen order.
func ServerIDs(servers []ServerInfo) []string {
	seen := make(map[string]struct{}, len(servers))
	ids := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		ids = append(ids, s.ID)
	}
	return ids
}

// RemoteStorageInfo describes where a shuffle's data is durably persisted.
type RemoteStorageInfo struct {
	Path      string            `json:"path"`
	ConfItems map[string]string `json:"conf_items,omitempty"`
}

// Clone returns a deep copy.
func (r RemoteStorageInfo) Clone() RemoteStorageInfo {
	out := RemoteStorageInfo{Path: r.Path}
	if r.ConfItems != nil {
		out.ConfItems = make(map[string]string, len(r.ConfItems))
		for k, v := range r.ConfItems {
			out.ConfItems[k] = v
		}
	}
	return out
}

// ShuffleHandleInfo is the static metadata of a registered shuffle: its
// partition count, which servers hold each partition and its remote storage.
type ShuffleHandleInfo struct {
	ShuffleID          int                  `json:"shuffle_id"`
	NumPartitions      int                  `json:"num_partitions"`
	PartitionToServers map[int][]ServerInfo `json:"partition_to_servers"`
	RemoteStorage      RemoteStorageInfo    `json:"remote_storage"`
}

// Clone returns a deep copy so callers can't modify stored state.
func (h ShuffleHandleInfo) Clone() ShuffleHandleInfo {
	out := ShuffleHandleInfo{
		ShuffleID:     h.ShuffleID,
		NumPartitions: h.NumPartitions,
		RemoteStorage: h.RemoteStorage.Clone(),
	}
	if h.PartitionToServers != nil {
		out.PartitionToServers = make(map[int][]ServerInfo, len(h.PartitionToServers))
		for p, servers := range h.PartitionToServers {
			out.PartitionToServers[p] = append([]ServerInfo(nil), servers...)
		}
	}
	return out
}

// Servers returns every distinct server referenced by the handle, sorted by id.
func (h ShuffleHandleInfo) Servers() []ServerInfo {
	byID := make(map[string]ServerInfo)
	for _, servers := range h.PartitionToServers {
		for _, s := range servers {
			byID[s.ID] = s
		}
	}
	out := make([]ServerInfo, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b ServerInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// WriteFailureRequest reports that writing shuffle output to the listed
// servers failed during a stage attempt.
type WriteFailureRequest struct {
	AppID              string       `json:"app_id"`
	ShuffleID          int          `json:"shuffle_id"`
	StageAttemptNumber int          `json:"stage_attempt_number"`
	ShuffleServerIDs   []ServerInfo `json:"shuffle_server_ids"`
}

// FetchFailureRequest reports that fetching a partition failed during a stage attempt.
type FetchFailureRequest struct {
	AppID          string `json:"app_id"`
	ShuffleID      int    `json:"shuffle_id"`
	StageAttemptID int    `json:"stage_attempt_id"`
	PartitionID    int    `json:"partition_id"`
}

// FailureResponse carries the resubmission decision for a failure report.
type FailureResponse struct {
	Status             StatusCode `json:"status"`
	ReSubmitWholeStage bool       `json:"resubmit_whole_stage"`
	Message            string     `json:"message"`
}

// PartitionToServersRequest asks for a shuffle's current server assignment.
type PartitionToServersRequest struct {
	ShuffleID int `json:"shuffle_id"`
}

// PartitionToServersResponse returns a shuffle's assignment and remote storage.
// PartitionToServers is empty when Status is StatusInvalidRequest.
type PartitionToServersResponse struct {
	Status             StatusCode           `json:"status"`
	PartitionToServers map[int][]ServerInfo `json:"partition_to_servers"`
	RemoteStorage      *RemoteStorageInfo   `json:"remote_storage,omitempty"`
}

// ReassignRequest asks the shuffle manager to reassign servers for a stage attempt.
type ReassignRequest struct {
	StageID            int `json:"stage_id"`
	StageAttemptNumber int `json:"stage_attempt_number"`
	ShuffleID          int `json:"shuffle_id"`
	NumPartitions      int `json:"num_partitions"`
}

// ReassignResponse reports whether servers were reassigned.
type ReassignResponse struct {
	Status       StatusCode `json:"status"`
	NeedReassign bool       `json:"need_reassign"`
}

// RegisterShuffleRequest registers a shuffle handle with the shuffle manager.
type RegisterShuffleRequest struct {
	Handle ShuffleHandleInfo `json:"handle"`
}

// ServerListResponse is returned by a coordinator listing available shuffle servers.
type ServerListResponse struct {
	Servers []ServerInfo `json:"servers"`
}
