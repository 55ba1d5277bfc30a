package activities

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/mouradhm/content-dbsync/pkg/logger"
	"github.com/mouradhm/content-dbsync/pkg/runner"
)

// Verifier logs how many documents each destination collection holds,
// for comparison against the source by hand. It never modifies data.
type Verifier struct {
	counter Counter
}

func NewVerifier(counter Counter) *Verifier {
	return &Verifier{counter: counter}
}

// Verify counts every collection. A collection that cannot be counted
// produces a warning and does not stop the others being counted.
func (v *Verifier) Verify(ctx context.Context, collections []string) (map[string]int64, []*VerificationWarning) {
	counts := make(map[string]int64, len(collections))
	var warnings []*VerificationWarning

	for _, collection := range collections {
		count, err := v.counter.CountDocuments(ctx, collection)
		if err != nil {
			warning := &VerificationWarning{Collection: collection, Err: err}
			warnings = append(warnings, warning)
			log.Emit(logger.WARNING, "%v\n", warning)
			continue
		}

		counts[collection] = count
		log.Emit(logger.INFO, "%s: %s documents\n", collection, humanize.Comma(count))
	}

	return counts, warnings
}

// ShellCounter counts documents by evaluating countDocuments with mongosh.
type ShellCounter struct {
	runner  CommandRunner
	bin     string
	uri     string
	db      string
	timeout time.Duration
}

func NewShellCounter(r CommandRunner, bin, uri, db string, timeout time.Duration) *ShellCounter {
	if bin == "" {
		bin = "mongosh"
	}
	if timeout <= 0 {
		timeout = time.Minute
	}

	return &ShellCounter{runner: r, bin: bin, uri: uri, db: db, timeout: timeout}
}

// CountCommand builds the mongosh invocation counting one collection.
func (s *ShellCounter) CountCommand(collection string) runner.Command {
	script := fmt.Sprintf("db.getSiblingDB(%q).getCollection(%q).countDocuments()", s.db, collection)
	return runner.Command{
		Path: s.bin,
		Args: []string{s.uri, "--quiet", "--eval", script},
	}
}

func (s *ShellCounter) CountDocuments(ctx context.Context, collection string) (int64, error) {
	out, err := s.runner.Run(ctx, s.CountCommand(collection), s.timeout)
	if err != nil {
		return 0, err
	}

	lines := strings.Split(strings.TrimSpace(out.Stdout), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	count, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "unexpected count output %q", last)
	}

	return count, nil
}
