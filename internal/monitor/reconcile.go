package monitor

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/printernizer/printernizer/internal/domain"
	"github.com/printernizer/printernizer/internal/driver"
)

// reconcileAndDownload reconciles a reported current-job filename against
// what the printer actually stores: the
// reported filename is tried verbatim first; on failure, candidates are
// generated in a fixed order and each is attempted once. The first success
// terminates the search; every attempted variant is recorded so no name is
// ever retried for this printer until the next online/error transition
// clears the tracking (Monitor.clearAttempts).
func (m *Monitor) reconcileAndDownload(ctx context.Context, printerID, reportedFilename string) {
	var listing []driver.RemoteFile
	if drv, ok := m.drivers.GetDriver(printerID); ok {
		if files, err := drv.ListFiles(ctx); err == nil {
			listing = files
		}
	}

	candidates := append([]string{reportedFilename}, generateCandidates(reportedFilename, listing)...)

	var tried []string
	for _, name := range candidates {
		if !m.markIfNewAttempt(printerID, name) {
			continue
		}
		tried = append(tried, name)

		if err := m.downloader.Download(ctx, printerID, name, ""); err != nil {
			continue
		}
		return // success terminates the search
	}

	slog.Warn("monitor: filename reconciliation exhausted all candidates", "printer_id", printerID, "reported", reportedFilename, "attempts", tried)
}

var whitespaceRun = regexp.MustCompile(`\s+`)
var strippedChars = regexp.MustCompile(`[(),]`)

// generateCandidates produces the reconciliation variants in a fixed
// order, deduplicated and excluding the reported name itself (the caller
// already tries that first).
func generateCandidates(reported string, listing []driver.RemoteFile) []string {
	seen := map[string]bool{reported: true}
	var out []string
	add := func(candidate string) {
		if candidate == "" || seen[candidate] {
			return
		}
		seen[candidate] = true
		out = append(out, candidate)
	}

	// Case-insensitive matches from the driver's current file listing.
	for _, f := range listing {
		if strings.EqualFold(f.Filename, reported) {
			add(f.Filename)
		}
	}

	// Strip a "cache/" prefix if present.
	clean := domain.CleanFilename(reported)
	add(clean)

	// Remove (, ), , ; collapse whitespace runs to a single space.
	stripped := strippedChars.ReplaceAllString(clean, "")
	stripped = whitespaceRun.ReplaceAllString(stripped, " ")
	stripped = strings.TrimSpace(stripped)
	add(stripped)

	// Replace spaces with underscores.
	underscored := strings.ReplaceAll(stripped, " ", "_")
	add(underscored)

	// Prefix match: a listed name whose lowercase first 20 characters equal
	// those of the reported name, when lengths differ by more than 5
	// (suggesting truncation by the printer's storage).
	const prefixLen = 20
	reportedLower := strings.ToLower(reported)
	reportedPrefix := firstN(reportedLower, prefixLen)
	for _, f := range listing {
		listedLower := strings.ToLower(f.Filename)
		if firstN(listedLower, prefixLen) != reportedPrefix {
			continue
		}
		diff := len(f.Filename) - len(reported)
		if diff < 0 {
			diff = -diff
		}
		if diff > 5 {
			add(f.Filename)
		}
	}

	return out
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
