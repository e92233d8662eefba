package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/skaphos/fleetctl/internal/model"
	"github.com/skaphos/fleetctl/internal/process"
	"github.com/skaphos/fleetctl/internal/scheduler"
)

// ErrScannerUnavailable means the external secret scanner could not be
// invoked at all (not installed, not executable).
var ErrScannerUnavailable = errors.New("audit: secret scanner unavailable")

// ErrScannerParseFailure means the scanner ran but produced output this
// parser could not decode. It is a distinct failure, never a silent miss.
var ErrScannerParseFailure = errors.New("audit: secret scanner output unparsable")

// SecretScanOptions configures one secret scan.
type SecretScanOptions struct {
	// Tool is the scanner binary; empty applies the default.
	Tool string
	// Verify runs the scanner's slower credential-verification pass.
	Verify bool
}

// defaultSecretTool is the scanner fleetctl invokes when none is configured.
const defaultSecretTool = "trufflehog"

// ToolRunner invokes an external tool (the secret scanner, the history
// rewriter); mirrors publish.CommandRunner so tests substitute canned
// output.
type ToolRunner interface {
	Run(ctx context.Context, program string, args []string, opts process.Options) (process.Result, error)
}

// ProcessToolRunner is the production ToolRunner.
type ProcessToolRunner struct{}

func (ProcessToolRunner) Run(ctx context.Context, program string, args []string, opts process.Options) (process.Result, error) {
	return process.Run(ctx, program, args, opts)
}

// RepoSecrets is one repo's secret scan result.
type RepoSecrets struct {
	RepoRef  string               `json:"repo_ref"`
	Findings []model.AuditFinding `json:"findings"`
	Err      string               `json:"error,omitempty"`
}

// SecretScanDeps bundles the secret scanner's collaborators.
type SecretScanDeps struct {
	Runner    ToolRunner
	Scheduler *scheduler.Scheduler
}

// SecretScanResult aggregates a full fleet scan.
type SecretScanResult struct {
	Repos    []RepoSecrets
	Duration time.Duration
}

// ScanSecrets invokes the secret scanner per repo on the audit-heavy lane
// (width 1: the scanner is CPU- and network-hungry, and its own internal
// concurrency already saturates a core).
func ScanSecrets(ctx context.Context, repos []model.Repo, deps SecretScanDeps, opts SecretScanOptions) SecretScanResult {
	started := time.Now()
	tool := opts.Tool
	if tool == "" {
		tool = defaultSecretTool
	}

	results := make([]RepoSecrets, len(repos))
	var wg sync.WaitGroup
	for i, repo := range repos {
		wg.Add(1)
		go func(i int, repo model.Repo) {
			defer wg.Done()
			release, err := deps.Scheduler.Admit(ctx, scheduler.LaneAuditHeavy)
			if err != nil {
				results[i] = RepoSecrets{RepoRef: repo.Name, Err: err.Error()}
				return
			}
			defer release()
			results[i] = scanRepoSecrets(ctx, repo, deps.Runner, tool, opts.Verify)
		}(i, repo)
	}
	wg.Wait()
	return SecretScanResult{Repos: results, Duration: time.Since(started)}
}

// truffleFinding is the subset of the scanner's JSON-lines schema the core
// reads. Unknown fields are ignored by the decoder, keeping the parser
// forward-compatible with schema growth.
type truffleFinding struct {
	DetectorName   string `json:"DetectorName"`
	Verified       bool   `json:"Verified"`
	SourceMetadata struct {
		Data struct {
			Filesystem struct {
				File string `json:"file"`
			} `json:"Filesystem"`
			Git struct {
				File string `json:"file"`
			} `json:"Git"`
		} `json:"Data"`
	} `json:"SourceMetadata"`
}

func scanRepoSecrets(ctx context.Context, repo model.Repo, runner ToolRunner, tool string, verify bool) RepoSecrets {
	result := RepoSecrets{RepoRef: repo.Name}

	args := []string{"git", "file://" + repo.Path, "--json"}
	if !verify {
		args = append(args, "--no-verification")
	}
	res, err := runner.Run(ctx, tool, args, process.Options{Category: process.CategoryGit})
	if err != nil && len(res.Stdout) == 0 {
		if strings.Contains(err.Error(), "executable file not found") {
			result.Err = ErrScannerUnavailable.Error()
		} else {
			result.Err = err.Error()
		}
		return result
	}

	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(res.Stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var tf truffleFinding
		if err := json.Unmarshal(line, &tf); err != nil {
			result.Err = ErrScannerParseFailure.Error()
			continue
		}
		if tf.DetectorName == "" {
			// Progress/log lines also arrive as JSON objects; a finding
			// always names its detector.
			continue
		}
		file := tf.SourceMetadata.Data.Git.File
		if file == "" {
			file = tf.SourceMetadata.Data.Filesystem.File
		}
		finding := model.AuditFinding{
			Kind: model.FindingSecret, RepoRef: repo.Name,
			File: file, Detector: tf.DetectorName, Verified: tf.Verified,
		}
		if _, ok := seen[finding.ID()]; ok {
			continue
		}
		seen[finding.ID()] = struct{}{}
		result.Findings = append(result.Findings, finding)
	}
	return result
}
