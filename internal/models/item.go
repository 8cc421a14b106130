// Package models contains the data types shared by the item source, the
// filesystem and the snapshot store.
package models

// TorrentState is the qBittorrent torrent state string.
type TorrentState string

const (
	StateError              TorrentState = "error"
	StateMissingFiles       TorrentState = "missingFiles"
	StateUploading          TorrentState = "uploading"
	StatePausedUP           TorrentState = "pausedUP"
	StateQueuedUP           TorrentState = "queuedUP"
	StateStalledUP          TorrentState = "stalledUP"
	StateStoppedUP          TorrentState = "stoppedUP"
	StateCheckingUP         TorrentState = "checkingUP"
	StateForcedUP           TorrentState = "forcedUP"
	StateAllocating         TorrentState = "allocating"
	StateDownloading        TorrentState = "downloading"
	StateMetaDL             TorrentState = "metaDL"
	StatePausedDL           TorrentState = "pausedDL"
	StateQueuedDL           TorrentState = "queuedDL"
	StateStalledDL          TorrentState = "stalledDL"
	StateCheckingDL         TorrentState = "checkingDL"
	StateForcedDL           TorrentState = "forcedDL"
	StateStoppedDL          TorrentState = "stoppedDL"
	StateCheckingResumeData TorrentState = "checkingResumeData"
	StateMoving             TorrentState = "moving"
	StateUnknown            TorrentState = "unknown"
)

// TorrentInfo is one entry of torrents/info.
type TorrentInfo struct {
	AddedOn           int64        `json:"added_on"`
	AmountLeft        int64        `json:"amount_left"`
	AutoTMM           bool         `json:"auto_tmm"`
	Availability      float32      `json:"availability"`
	Category          string       `json:"category"`
	Completed         int64        `json:"completed"`
	CompletionOn      int64        `json:"completion_on"`
	ContentPath       string       `json:"content_path"`
	DlLimit           int64        `json:"dl_limit"`
	DlSpeed           int64        `json:"dlspeed"`
	Downloaded        int64        `json:"downloaded"`
	DownloadedSession int64        `json:"downloaded_session"`
	ETA               int64        `json:"eta"`
	FLPiecePrio       bool         `json:"f_l_piece_prio"`
	ForceStart        bool         `json:"force_start"`
	Hash              string       `json:"hash"`
	LastActivity      int64        `json:"last_activity"`
	MagnetURI         string       `json:"magnet_uri"`
	MaxRatio          float32      `json:"max_ratio"`
	MaxSeedingTime    int64        `json:"max_seeding_time"`
	Name              string       `json:"name"`
	NumComplete       int64        `json:"num_complete"`
	NumIncomplete     int64        `json:"num_incomplete"`
	NumLeechs         int64        `json:"num_leechs"`
	NumSeeds          int64        `json:"num_seeds"`
	Priority          int32        `json:"priority"`
	Progress          float32      `json:"progress"`
	Ratio             float64      `json:"ratio"`
	RatioLimit        float32      `json:"ratio_limit"`
	SavePath          string       `json:"save_path"`
	SeedingTime       int64        `json:"seeding_time"`
	SeedingTimeLimit  int64        `json:"seeding_time_limit"`
	SeenComplete      int64        `json:"seen_complete"`
	SeqDL             bool         `json:"seq_dl"`
	Size              int64        `json:"size"`
	State             TorrentState `json:"state"`
	SuperSeeding      bool         `json:"super_seeding"`
	Tags              string       `json:"tags"`
	TimeActive        int64        `json:"time_active"`
	TotalSize         int64        `json:"total_size"`
	Tracker           string       `json:"tracker"`
	UpLimit           int64        `json:"up_limit"`
	Uploaded          int64        `json:"uploaded"`
	UploadedSession   int64        `json:"uploaded_session"`
	UpSpeed           int64        `json:"upspeed"`
}

// Properties is the torrents/properties response.
type Properties struct {
	SavePath               string  `json:"save_path"`
	CreationDate           int64   `json:"creation_date"`
	PieceSize              int64   `json:"piece_size"`
	Comment                string  `json:"comment"`
	TotalWasted            int64   `json:"total_wasted"`
	TotalUploaded          int64   `json:"total_uploaded"`
	TotalUploadedSession   int64   `json:"total_uploaded_session"`
	TotalDownloaded        int64   `json:"total_downloaded"`
	TotalDownloadedSession int64   `json:"total_downloaded_session"`
	UpLimit                int64   `json:"up_limit"`
	DlLimit                int64   `json:"dl_limit"`
	TimeElapsed            int64   `json:"time_elapsed"`
	SeedingTime            int64   `json:"seeding_time"`
	NbConnections          int64   `json:"nb_connections"`
	NbConnectionsLimit     int64   `json:"nb_connections_limit"`
	ShareRatio             float32 `json:"share_ratio"`
	AdditionDate           int64   `json:"addition_date"`
	CompletionDate         int64   `json:"completion_date"`
	CreatedBy              string  `json:"created_by"`
	DlSpeedAvg             int64   `json:"dl_speed_avg"`
	DlSpeed                int64   `json:"dl_speed"`
	ETA                    int64   `json:"eta"`
	LastSeen               int64   `json:"last_seen"`
	Peers                  int64   `json:"peers"`
	PeersTotal             int64   `json:"peers_total"`
	PiecesHave             int64   `json:"pieces_have"`
	PiecesNum              int64   `json:"pieces_num"`
	Reannounce             int64   `json:"reannounce"`
	Seeds                  int64   `json:"seeds"`
	SeedsTotal             int64   `json:"seeds_total"`
	TotalSize              int64   `json:"total_size"`
	UpSpeedAvg             int64   `json:"up_speed_avg"`
	UpSpeed                int64   `json:"up_speed"`
}

// FilePriority is the download priority of a torrent file.
type FilePriority int

const (
	PriorityDoNotDownload FilePriority = 0
	PriorityNormal        FilePriority = 1
	PriorityHigh          FilePriority = 6
	PriorityMaximal       FilePriority = 7
)

func (p FilePriority) String() string {
	switch p {
	case PriorityDoNotDownload:
		return "skip"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityMaximal:
		return "maximal"
	default:
		return "unknown"
	}
}

// SubItem is one file of a torrent (torrents/files). Name is the path
// relative to the torrent's save path, "/"-separated.
type SubItem struct {
	Index        int64        `json:"index"`
	Name         string       `json:"name"`
	Size         int64        `json:"size"`
	Progress     float32      `json:"progress"`
	Priority     FilePriority `json:"priority"`
	IsSeed       bool         `json:"is_seed,omitempty"`
	PieceRange   [2]int64     `json:"piece_range"`
	Availability float32      `json:"availability"`
}

// Item is one torrent as presented by the filesystem: its list entry, its
// generic properties and its files.
type Item struct {
	Info       TorrentInfo `json:"info"`
	Properties *Properties `json:"properties,omitempty"`
	Files      []SubItem   `json:"files,omitempty"`
}

// Name returns the directory name of the item.
func (i *Item) Name() string {
	return i.Info.Name
}

// Hash returns the info hash identifying the item.
func (i *Item) Hash() string {
	return i.Info.Hash
}
