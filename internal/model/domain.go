package model

import "time"

// Repo is a discovered, managed repository: the canonical unit of work for
// every fan-out operation. It is immutable for the lifetime of one invocation.
type Repo struct {
	// Name is the directory basename, disambiguated with a "-2", "-3", ...
	// suffix when two distinct paths share a basename.
	Name string `json:"name" yaml:"name"`
	// Path is the canonicalized absolute filesystem path.
	Path string `json:"path" yaml:"path"`
	// RemoteURL is the primary remote's URL, empty when the repo has none.
	RemoteURL string `json:"remote_url,omitempty" yaml:"remote_url,omitempty"`
	// DefaultBranch is the remote's default branch when known.
	DefaultBranch string `json:"default_branch,omitempty" yaml:"default_branch,omitempty"`
	// LFSEnabled reports whether Git LFS is in use for this repo.
	LFSEnabled bool `json:"lfs_enabled" yaml:"lfs_enabled"`
}

// Status is the closed set of terminal (and in-flight) states a RepoOutcome
// can occupy. Ordering here is the stable order used when rendering a
// per-status summary.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusUpToDate    Status = "up_to_date"
	StatusPushed      Status = "pushed"
	StatusPulled      Status = "pulled"
	StatusSynced      Status = "synced"
	StatusSkipped     Status = "skipped"
	StatusNoUpstream  Status = "no_upstream"
	StatusRateLimited Status = "rate_limited"
	StatusFailed      Status = "failed"
)

// SkipReason enumerates why a repo's outcome is Skipped.
type SkipReason string

const (
	SkipNoRemote      SkipReason = "no_remote"
	SkipDetachedHead  SkipReason = "detached_head"
	SkipDirtyWorktree SkipReason = "dirty_working_tree"
	SkipNotOnBranch   SkipReason = "not_on_branch"
	SkipFiltered      SkipReason = "filtered"
)

// ErrorKind is the closed set of Failed-status sub-classifications, mirrored
// from gitx.ClassifyError's taxonomy.
type ErrorKind string

const (
	ErrorKindAuth          ErrorKind = "auth"
	ErrorKindNetwork       ErrorKind = "network"
	ErrorKindCorrupt       ErrorKind = "corrupt"
	ErrorKindMissingRemote ErrorKind = "missing_remote"
	ErrorKindTimeout       ErrorKind = "timeout"
	ErrorKindConflict      ErrorKind = "conflict"
	ErrorKindUnknown       ErrorKind = "unknown"
)

// RepoOutcome is the mutable, per-repo record of one fan-out operation's
// progress and result. It is created Pending when scheduling begins and is
// mutated only by the worker processing that repo.
type RepoOutcome struct {
	RepoRef       string        `json:"repo_ref"`
	Status        Status        `json:"status"`
	SkipReason    SkipReason    `json:"skip_reason,omitempty"`
	ErrorKind     ErrorKind     `json:"error_kind,omitempty"`
	Message       string        `json:"message,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
	CommitsPushed uint32        `json:"commits_pushed,omitempty"`
	CommitsPulled uint32        `json:"commits_pulled,omitempty"`
}

// SyncStatistics is the process-wide, monotonic tally produced by a fan-out
// run. Counters are incremented only from RecordOutcome, which callers must
// serialize (a mutex or single-writer channel) to keep the per-status lists
// ordered by completion time.
type SyncStatistics struct {
	Total      int                      `json:"total"`
	Pushed     int                      `json:"pushed"`
	Pulled     int                      `json:"pulled"`
	UpToDate   int                      `json:"up_to_date"`
	Synced     int                      `json:"synced"`
	Skipped    int                      `json:"skipped"`
	NoUpstream int                      `json:"no_upstream"`
	Failed     int                      `json:"failed"`
	ByStatus   map[Status][]StatusEntry `json:"by_status"`
}

// StatusEntry is one line of a per-status summary list.
type StatusEntry struct {
	RepoName string `json:"repo_name"`
	Message  string `json:"message,omitempty"`
}

// NewSyncStatistics returns a zeroed SyncStatistics ready for RecordOutcome.
func NewSyncStatistics() *SyncStatistics {
	return &SyncStatistics{ByStatus: make(map[Status][]StatusEntry)}
}

// RecordOutcome appends outcome to the appropriate counters and per-status
// list. Callers are responsible for serializing calls to this method.
func (s *SyncStatistics) RecordOutcome(repoName string, outcome RepoOutcome) {
	s.Total++
	switch outcome.Status {
	case StatusPushed:
		s.Pushed++
	case StatusPulled:
		s.Pulled++
	case StatusUpToDate:
		s.UpToDate++
	case StatusSynced:
		s.Synced++
	case StatusSkipped:
		s.Skipped++
	case StatusNoUpstream:
		s.NoUpstream++
	case StatusFailed:
		s.Failed++
	}
	if s.ByStatus == nil {
		s.ByStatus = make(map[Status][]StatusEntry)
	}
	s.ByStatus[outcome.Status] = append(s.ByStatus[outcome.Status], StatusEntry{RepoName: repoName, Message: outcome.Message})
}

// NestedRepo is a repository discovered underneath a managed repo's working
// tree -- a subrepo in spec terms.
type NestedRepo struct {
	ParentRepoRef  string    `json:"parent_repo_ref"`
	RelativePath   string    `json:"relative_path"`
	RemoteURL      string    `json:"remote_url"`
	HeadCommit     string    `json:"head_commit"`
	HeadCommitTime time.Time `json:"head_commit_time"`
	Dirty          bool      `json:"dirty"`
}

// SubrepoGroup is the set of NestedRepo instances sharing a canonicalized
// remote URL, plus the derived drift metrics for that set.
type SubrepoGroup struct {
	RemoteURL     string       `json:"remote_url"`
	Instances     []NestedRepo `json:"instances"`
	UniqueCommits int          `json:"unique_commits"`
	SyncScore     float64      `json:"sync_score"`
	SyncTarget    string       `json:"sync_target,omitempty"`
	Latest        string       `json:"latest,omitempty"`
}

// Visibility is the publish-time repository visibility classification.
// Unknown is treated as private for filtering purposes.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
	VisibilityUnknown Visibility = "unknown"
)

// PublishedState tracks whether a planner probe could determine if a
// package version was already published.
type PublishedState string

const (
	PublishedUndetermined PublishedState = "undetermined"
	PublishedYes          PublishedState = "yes"
	PublishedNo           PublishedState = "no"
)

// PublishPlan is one candidate repository's publish analysis, produced by
// the planner and consumed by the executor.
type PublishPlan struct {
	RepoRef          string         `json:"repo_ref"`
	AdapterID        string         `json:"adapter_id"`
	PackageName      string         `json:"package_name"`
	Version          string         `json:"version"`
	Visibility       Visibility     `json:"visibility"`
	Dirty            bool           `json:"dirty"`
	AlreadyPublished PublishedState `json:"already_published"`
}

// AuditFindingKind discriminates the tagged union of AuditFinding.
type AuditFindingKind string

const (
	FindingGitignoreViolation AuditFindingKind = "gitignore_violation"
	FindingBadPattern         AuditFindingKind = "bad_pattern"
	FindingLargeFile          AuditFindingKind = "large_file"
	FindingSecret             AuditFindingKind = "secret"
)

// AuditFinding is one hygiene or secret-scan finding, carrying the owning
// repo reference and enough fields to be stably deduped across re-runs.
type AuditFinding struct {
	Kind        AuditFindingKind `json:"kind"`
	RepoRef     string           `json:"repo_ref"`
	File        string           `json:"file,omitempty"`
	Pattern     string           `json:"pattern,omitempty"`
	SizeBytes   int64            `json:"size_bytes,omitempty"`
	CommitCount int              `json:"commit_count,omitempty"`
	Detector    string           `json:"detector,omitempty"`
	Verified    bool             `json:"verified,omitempty"`
}

// ID returns a stable identity for deduplicating findings across re-runs
// within a single invocation.
func (f AuditFinding) ID() string {
	switch f.Kind {
	case FindingGitignoreViolation:
		return string(f.Kind) + "|" + f.RepoRef + "|" + f.File
	case FindingBadPattern:
		return string(f.Kind) + "|" + f.RepoRef + "|" + f.File + "|" + f.Pattern
	case FindingLargeFile:
		return string(f.Kind) + "|" + f.RepoRef + "|" + f.File
	case FindingSecret:
		return string(f.Kind) + "|" + f.RepoRef + "|" + f.File + "|" + f.Detector
	default:
		return string(f.Kind) + "|" + f.RepoRef + "|" + f.File
	}
}
