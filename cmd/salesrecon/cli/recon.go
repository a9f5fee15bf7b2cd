package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/odyssey-erp/salesrecon/internal/emission"
	"github.com/odyssey-erp/salesrecon/internal/matching"
	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/shared"
)

// Matcher runs matching operations.
type Matcher interface {
	AutoRelate(ctx context.Context, scope orderlines.Scope, opts matching.AutoRelateOptions) (matching.AutoRelateResult, error)
	Pending(ctx context.Context, scope orderlines.Scope, page, perPage int) (matching.PendingPage, error)
}

// Emitter runs emission.
type Emitter interface {
	Emit(ctx context.Context, scope orderlines.Scope) (emission.Result, error)
}

// ReconCLI runs engine operations from the command line.
type ReconCLI struct {
	matcher Matcher
	emitter Emitter
}

// NewReconCLI constructs the helper.
func NewReconCLI(matcher Matcher, emitter Emitter) *ReconCLI {
	return &ReconCLI{matcher: matcher, emitter: emitter}
}

// ScopeFlags carries the scope selection common to every command.
type ScopeFlags struct {
	Kind     string
	ID       int64
	ClientID int64
}

// Scope validates and converts the flags.
func (f ScopeFlags) Scope() (orderlines.Scope, error) {
	scope := orderlines.Scope{
		Kind:     orderlines.ScopeKind(strings.ToLower(strings.TrimSpace(f.Kind))),
		ID:       f.ID,
		ClientID: f.ClientID,
	}
	if err := scope.Validate(); err != nil {
		return orderlines.Scope{}, err
	}
	return scope, nil
}

// Output selects where and how results are printed.
type Output struct {
	JSON   bool
	Stdout io.Writer
	Stderr io.Writer
}

func (o Output) normalize() Output {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

// AutoRelateCommand runs one auto-relate pass and returns the exit code.
func (c *ReconCLI) AutoRelateCommand(ctx context.Context, flags ScopeFlags, learn bool, out Output) int {
	out = out.normalize()
	scope, err := flags.Scope()
	if err != nil {
		fmt.Fprintf(out.Stderr, "autorelate: %v\n", err)
		return 2
	}
	result, err := c.matcher.AutoRelate(ctx, scope, matching.AutoRelateOptions{Learn: learn})
	if err != nil {
		fmt.Fprintf(out.Stderr, "autorelate: %v\n", err)
		return 1
	}
	if out.JSON {
		return writeJSON(out, result)
	}
	fmt.Fprintf(out.Stdout, "scope %s: matched=%d pending=%d learned=%d\n", scope, result.Matched, result.Pending, result.Learned)
	sources := make([]string, 0, len(result.BySource))
	for source := range result.BySource {
		sources = append(sources, string(source))
	}
	sort.Strings(sources)
	for _, source := range sources {
		fmt.Fprintf(out.Stdout, "  %-8s %d\n", source, result.BySource[orderlines.MatchSource(source)])
	}
	return printFailures(out, result.Failures)
}

// EmitCommand runs one emission pass and returns the exit code.
func (c *ReconCLI) EmitCommand(ctx context.Context, flags ScopeFlags, out Output) int {
	out = out.normalize()
	scope, err := flags.Scope()
	if err != nil {
		fmt.Fprintf(out.Stderr, "emit: %v\n", err)
		return 2
	}
	result, err := c.emitter.Emit(ctx, scope)
	if err != nil {
		fmt.Fprintf(out.Stderr, "emit: %v\n", err)
		return 1
	}
	if out.JSON {
		return writeJSON(out, result)
	}
	fmt.Fprintf(out.Stdout, "scope %s: inserted=%d already_existed=%d adjusted=%d fulfillment_skipped=%d cancelled_reversed=%d deferred=%d\n",
		scope, result.Inserted, result.AlreadyExisted, result.Adjusted, result.FulfillmentSkipped, result.CancelledReversed, result.Deferred)
	return printFailures(out, result.Failures)
}

// PendingCommand lists one page of pending lines and returns the exit code.
func (c *ReconCLI) PendingCommand(ctx context.Context, flags ScopeFlags, page, perPage int, out Output) int {
	out = out.normalize()
	scope, err := flags.Scope()
	if err != nil {
		fmt.Fprintf(out.Stderr, "pending: %v\n", err)
		return 2
	}
	result, err := c.matcher.Pending(ctx, scope, page, perPage)
	if err != nil {
		fmt.Fprintf(out.Stderr, "pending: %v\n", err)
		return 1
	}
	if out.JSON {
		return writeJSON(out, result)
	}
	tw := tabwriter.NewWriter(out.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHANNEL\tRAW SKU\tQTY")
	for _, line := range result.Lines {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%g\n", line.ID, line.Channel, line.RawSKU, line.Quantity)
	}
	_ = tw.Flush()
	p := result.Pagination
	fmt.Fprintf(out.Stdout, "page %d/%d (%d pending)\n", p.Page, p.TotalPages, p.Total)
	return 0
}

func printFailures(out Output, failures []shared.Failure) int {
	if len(failures) == 0 {
		return 0
	}
	for _, f := range failures {
		fmt.Fprintf(out.Stderr, "  failed %s [%s] %s\n", f.Ref, f.Code, f.Message)
	}
	return 3
}

func writeJSON(out Output, v any) int {
	enc := json.NewEncoder(out.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(out.Stderr, "encode output: %v\n", err)
		return 1
	}
	return 0
}
