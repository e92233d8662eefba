package audit

import (
	"github.com/skaphos/fleetctl/internal/model"
)

// Report is the stable schema emitted by `fleetctl audit --json`.
type Report struct {
	Hygiene HygieneReport `json:"hygiene"`
	Secrets SecretsReport `json:"secrets"`
}

// HygieneReport is the hygiene half of the JSON report.
type HygieneReport struct {
	Repos   []RepoHygiene  `json:"repos"`
	Summary HygieneSummary `json:"summary"`
}

// HygieneSummary tallies hygiene findings by kind across the fleet.
type HygieneSummary struct {
	ReposScanned        int `json:"repos_scanned"`
	ReposWithFindings   int `json:"repos_with_findings"`
	GitignoreViolations int `json:"gitignore_violations"`
	BadPatternHits      int `json:"bad_pattern_hits"`
	LargeFiles          int `json:"large_files"`
}

// SecretsReport is the secret-scan half of the JSON report.
type SecretsReport struct {
	ReposWithFindings int            `json:"repos_with_findings"`
	Total             int            `json:"total"`
	Verified          int            `json:"verified"`
	Unverified        int            `json:"unverified"`
	ByDetector        map[string]int `json:"by_detector"`
	DurationSeconds   float64        `json:"duration_seconds"`
}

// BuildReport folds scan results into the published report schema.
func BuildReport(hygiene []RepoHygiene, secrets SecretScanResult) Report {
	report := Report{
		Hygiene: HygieneReport{Repos: hygiene},
		Secrets: SecretsReport{ByDetector: make(map[string]int)},
	}
	if report.Hygiene.Repos == nil {
		report.Hygiene.Repos = []RepoHygiene{}
	}

	report.Hygiene.Summary.ReposScanned = len(hygiene)
	for _, repo := range hygiene {
		if len(repo.Findings) > 0 {
			report.Hygiene.Summary.ReposWithFindings++
		}
		for _, f := range repo.Findings {
			switch f.Kind {
			case model.FindingGitignoreViolation:
				report.Hygiene.Summary.GitignoreViolations++
			case model.FindingBadPattern:
				report.Hygiene.Summary.BadPatternHits++
			case model.FindingLargeFile:
				report.Hygiene.Summary.LargeFiles++
			}
		}
	}

	report.Secrets.DurationSeconds = secrets.Duration.Seconds()
	for _, repo := range secrets.Repos {
		if len(repo.Findings) > 0 {
			report.Secrets.ReposWithFindings++
		}
		for _, f := range repo.Findings {
			report.Secrets.Total++
			if f.Verified {
				report.Secrets.Verified++
			} else {
				report.Secrets.Unverified++
			}
			report.Secrets.ByDetector[f.Detector]++
		}
	}
	return report
}

// HasVerifiedSecrets reports whether any verified secret remains, the
// condition that turns the overall exit code non-zero under --verify.
func HasVerifiedSecrets(report Report) bool {
	return report.Secrets.Verified > 0
}
