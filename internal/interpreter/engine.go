package interpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ucplabs/ucp/internal/digest"
	"github.com/ucplabs/ucp/pkg/models"
)

// Dispatcher routes a driver call to its implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, namespace, method string, args map[string]any) (map[string]any, error)
}

// Engine walks an executable packet's op tree and produces a receipt.
type Engine struct {
	drivers Dispatcher
}

func New(drivers Dispatcher) *Engine {
	return &Engine{drivers: drivers}
}

// OpResult records one executed node. Variant-specific fields are empty for
// other node kinds.
type OpResult struct {
	Index             int    `json:"index"`
	Op                string `json:"op,omitempty"`
	OpID              string `json:"opId,omitempty"`
	Type              string `json:"type"`
	StartedAtEpochMs  int64  `json:"startedAtEpochMs"`
	FinishedAtEpochMs int64  `json:"finishedAtEpochMs"`
	Status            string `json:"status"`
	Output            any    `json:"output,omitempty"`
	Error             string `json:"error,omitempty"`

	ConditionResult *bool      `json:"conditionResult,omitempty"`
	Branch          string     `json:"branch,omitempty"`
	BranchResults   []OpResult `json:"branchResults,omitempty"`

	Iterations       int             `json:"iterations,omitempty"`
	TotalItems       int             `json:"totalItems,omitempty"`
	IterationResults []LoopIteration `json:"iterationResults,omitempty"`

	ParallelResults []OpResult `json:"parallelResults,omitempty"`

	Caught         bool       `json:"caught,omitempty"`
	TryResults     []OpResult `json:"tryResults,omitempty"`
	CatchResults   []OpResult `json:"catchResults,omitempty"`
	FinallyResults []OpResult `json:"finallyResults,omitempty"`
}

// LoopIteration records one pass through a loop body.
type LoopIteration struct {
	Iteration int        `json:"iteration"`
	Item      any        `json:"item"`
	Results   []OpResult `json:"results"`
}

// TokenStats accumulates llm-driver usage over one execution.
type TokenStats struct {
	Calls        int `json:"calls"`
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	SavedTokens  int `json:"savedTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Receipt is the tamper-evident record of one packet execution. The packet
// hash covers the submitted packet bytes; the receipt hash covers the
// receipt itself computed with an empty receiptHash field, before token
// stats are attached.
type Receipt struct {
	ReceiptID         string      `json:"receiptId"`
	PacketID          string      `json:"packetId"`
	StartedAtEpochMs  int64       `json:"startedAtEpochMs"`
	FinishedAtEpochMs int64       `json:"finishedAtEpochMs"`
	Status            string      `json:"status"`
	OpResults         []OpResult  `json:"opResults"`
	PacketHash        string      `json:"packetHash"`
	ReceiptHash       string      `json:"receiptHash"`
	TokenStats        *TokenStats `json:"tokenStats,omitempty"`
}

// Receipt statuses.
const (
	ReceiptSuccess = "SUCCESS"
	ReceiptFailed  = "FAILED"
)

// run carries the per-execution state so one Engine serves many packets.
type run struct {
	drivers Dispatcher
	results *ResultStore

	tokensMu sync.Mutex
	tokens   TokenStats
}

// Execute runs every op in the packet and returns the receipt. A failed op
// yields a FAILED receipt, not an error; errors are reserved for the engine
// itself being unable to produce a receipt.
func (e *Engine) Execute(ctx context.Context, p *ExecPacket) (*Receipt, error) {
	startedAt := time.Now()
	log.Info().
		Str("packet_id", p.ID).
		Int("ops", len(p.Ops)).
		Msg("⚙️ Packet execution started")

	r := &run{drivers: e.drivers, results: NewResultStore()}
	opResults := r.runNodes(ctx, p.Ops, Scope{})
	finishedAt := time.Now()

	status := ReceiptSuccess
	for _, res := range opResults {
		if res.Status == StatusError {
			status = ReceiptFailed
			break
		}
	}

	packetHash, err := digest.CanonicalSHA256(p.raw)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "hash packet")
	}

	receipt := &Receipt{
		ReceiptID:         uuid.NewString(),
		PacketID:          p.ID,
		StartedAtEpochMs:  startedAt.UnixMilli(),
		FinishedAtEpochMs: finishedAt.UnixMilli(),
		Status:            status,
		OpResults:         opResults,
		PacketHash:        packetHash,
	}
	receiptHash, err := digest.CanonicalSHA256(receipt)
	if err != nil {
		return nil, models.WrapError(models.KindInternal, err, "hash receipt")
	}
	receipt.ReceiptHash = receiptHash
	if r.tokens.Calls > 0 {
		stats := r.tokens
		receipt.TokenStats = &stats
	}

	log.Info().
		Str("packet_id", p.ID).
		Str("status", status).
		Int64("duration_ms", finishedAt.Sub(startedAt).Milliseconds()).
		Msg("🧾 Packet execution finished")
	return receipt, nil
}

// runNodes executes nodes in order, stopping at the first ERROR unless the
// failed node is a try block or is marked continueOnError.
func (r *run) runNodes(ctx context.Context, nodes NodeList, scope Scope) []OpResult {
	var results []OpResult
	for _, n := range nodes {
		res := r.runNode(ctx, n, scope)
		results = append(results, res)
		if res.Status == StatusError && !nodeContinuesOnError(n) {
			break
		}
	}
	return results
}

func nodeContinuesOnError(n Node) bool {
	switch t := n.(type) {
	case *TryNode:
		return true
	case *StepNode:
		return t.ContinueOnError
	case *ConditionalNode:
		return t.ContinueOnError
	case *ParallelNode:
		return t.ContinueOnError
	}
	return false
}

func (r *run) runNode(ctx context.Context, n Node, scope Scope) OpResult {
	startedAt := time.Now().UnixMilli()
	index := r.results.NextIndex()

	if ctx.Err() != nil {
		r.results.Set(index, n.NodeID(), map[string]any{"error": "execution aborted"}, StatusError)
		return OpResult{
			Index:             index,
			OpID:              n.NodeID(),
			Type:              nodeType(n),
			StartedAtEpochMs:  startedAt,
			FinishedAtEpochMs: startedAt,
			Status:            StatusError,
			Error:             "execution aborted",
		}
	}

	switch t := n.(type) {
	case *ConditionalNode:
		return r.runConditional(ctx, t, scope, index, startedAt)
	case *LoopNode:
		return r.runLoop(ctx, t, scope, index, startedAt)
	case *ParallelNode:
		return r.runParallel(ctx, t, scope, index, startedAt)
	case *TryNode:
		return r.runTry(ctx, t, scope, index, startedAt)
	case *StepNode:
		return r.runStep(ctx, t, scope, index, startedAt)
	}
	return OpResult{Index: index, Type: "unknown", Status: StatusError, Error: "unknown node kind"}
}

func nodeType(n Node) string {
	switch n.(type) {
	case *ConditionalNode:
		return "conditional"
	case *LoopNode:
		return "loop"
	case *ParallelNode:
		return "parallel"
	case *TryNode:
		return "try"
	}
	return "standard"
}

func (r *run) runStep(ctx context.Context, n *StepNode, scope Scope, index int, startedAt int64) OpResult {
	fail := func(msg string) OpResult {
		r.results.Set(index, n.ID, map[string]any{"error": msg}, StatusError)
		log.Warn().Str("op", n.Op).Str("error", msg).Msg("Op failed")
		return OpResult{
			Index: index, Op: n.Op, OpID: n.ID, Type: "standard",
			StartedAtEpochMs: startedAt, FinishedAtEpochMs: time.Now().UnixMilli(),
			Status: StatusError, Error: msg,
		}
	}
	skip := func(reason string) OpResult {
		out := map[string]any{"skipped": true, "reason": reason}
		r.results.Set(index, n.ID, out, StatusSkipped)
		return OpResult{
			Index: index, Op: n.Op, OpID: n.ID, Type: "standard",
			StartedAtEpochMs: startedAt, FinishedAtEpochMs: time.Now().UnixMilli(),
			Status: StatusSkipped, Output: out,
		}
	}

	namespace, method := ParseOp(n.Op)

	args := n.Args
	if args == nil {
		args = map[string]any{}
	}
	resolved, err := Resolve(args, r.results, scope)
	if err != nil {
		return fail(fmt.Sprintf("template resolution error: %v", err))
	}
	resolvedArgs, _ := resolved.(map[string]any)

	if n.SkipIf != nil {
		shouldSkip, err := EvaluateCondition(n.SkipIf, r.results, scope)
		if err != nil {
			return fail(err.Error())
		}
		if shouldSkip {
			return skip("skipIf condition met")
		}
	}
	if n.RunIf != nil {
		shouldRun, err := EvaluateCondition(n.RunIf, r.results, scope)
		if err != nil {
			return fail(err.Error())
		}
		if !shouldRun {
			return skip("runIf condition not met")
		}
	}

	output, err := r.drivers.Dispatch(ctx, namespace, method, resolvedArgs)
	if err != nil {
		return fail(err.Error())
	}
	r.results.Set(index, n.ID, output, StatusOK)
	if namespace == "llm" {
		r.trackTokens(output)
	}

	return OpResult{
		Index: index, Op: n.Op, OpID: n.ID, Type: "standard",
		StartedAtEpochMs: startedAt, FinishedAtEpochMs: time.Now().UnixMilli(),
		Status: StatusOK, Output: output,
	}
}

func (r *run) runConditional(ctx context.Context, n *ConditionalNode, scope Scope, index int, startedAt int64) OpResult {
	condResult, err := EvaluateCondition(n.Condition, r.results, scope)
	if err != nil {
		msg := fmt.Sprintf("condition error: %v", err)
		r.results.Set(index, n.ID, map[string]any{"error": msg}, StatusError)
		return OpResult{
			Index: index, OpID: n.ID, Type: "conditional",
			StartedAtEpochMs: startedAt, FinishedAtEpochMs: time.Now().UnixMilli(),
			Status: StatusError, Error: msg,
		}
	}

	branch, branchName := n.Else, "else"
	if condResult {
		branch, branchName = n.Then, "then"
	}

	var results []OpResult
	status := StatusOK
	for _, child := range branch {
		res := r.runNode(ctx, child, scope)
		results = append(results, res)
		if res.Status == StatusError {
			status = StatusError
			if !n.ContinueOnError {
				break
			}
		}
	}

	r.results.Set(index, n.ID, asResultMap(map[string]any{
		"conditionResult": condResult,
		"branch":          branchName,
		"results":         results,
	}), status)

	return OpResult{
		Index: index, OpID: n.ID, Type: "conditional",
		StartedAtEpochMs: startedAt, FinishedAtEpochMs: time.Now().UnixMilli(),
		Status:           status,
		ConditionResult:  &condResult,
		Branch:           branchName,
		BranchResults:    results,
	}
}

func (r *run) runLoop(ctx context.Context, n *LoopNode, scope Scope, index int, startedAt int64) OpResult {
	fail := func(msg string) OpResult {
		r.results.Set(index, n.ID, map[string]any{"error": msg}, StatusError)
		return OpResult{
			Index: index, OpID: n.ID, Type: "loop",
			StartedAtEpochMs: startedAt, FinishedAtEpochMs: time.Now().UnixMilli(),
			Status: StatusError, Error: msg,
		}
	}

	items, err := r.loopItems(n, scope)
	if err != nil {
		return fail(err.Error())
	}

	varName := n.As
	if varName == "" {
		varName = "item"
	}
	indexName := n.IndexAs
	if indexName == "" {
		indexName = "index"
	}

	var iterations []LoopIteration
	hasError := false
loop:
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		iterScope := make(Scope, len(scope)+5)
		for k, v := range scope {
			iterScope[k] = v
		}
		iterScope[varName] = item
		iterScope[indexName] = i
		iterScope["first"] = i == 0
		iterScope["last"] = i == len(items)-1
		iterScope["length"] = len(items)

		var iterResults []OpResult
		for _, child := range n.Ops {
			res := r.runNode(ctx, child, iterScope)
			iterResults = append(iterResults, res)
			if res.Status == StatusError {
				hasError = true
				iterations = append(iterations, LoopIteration{Iteration: i, Item: item, Results: iterResults})
				break loop
			}
			if n.BreakIf != nil {
				stop, err := EvaluateCondition(n.BreakIf, r.results, iterScope)
				if err != nil {
					return fail(fmt.Sprintf("breakIf error: %v", err))
				}
				if stop {
					iterations = append(iterations, LoopIteration{Iteration: i, Item: item, Results: iterResults})
					break loop
				}
			}
		}
		iterations = append(iterations, LoopIteration{Iteration: i, Item: item, Results: iterResults})

		if n.ContinueIf != nil {
			keep, err := EvaluateCondition(n.ContinueIf, r.results, iterScope)
			if err != nil {
				return fail(fmt.Sprintf("continueIf error: %v", err))
			}
			if !keep {
				break
			}
		}
	}

	status := StatusOK
	if hasError {
		status = StatusError
	}
	r.results.Set(index, n.ID, asResultMap(map[string]any{
		"iterations": len(iterations),
		"items":      len(items),
		"results":    iterations,
	}), status)

	return OpResult{
		Index: index, OpID: n.ID, Type: "loop",
		StartedAtEpochMs: startedAt, FinishedAtEpochMs: time.Now().UnixMilli(),
		Status:           status,
		Iterations:       len(iterations),
		TotalItems:       len(items),
		IterationResults: iterations,
	}
}

// loopItems materializes the iteration source: an items list (possibly a
// template resolving to JSON or a comma-separated string), a count, or a
// [start, end) range.
func (r *run) loopItems(n *LoopNode, scope Scope) ([]any, error) {
	switch {
	case n.Items != nil:
		resolved, err := Resolve(n.Items, r.results, scope)
		if err != nil {
			return nil, err
		}
		switch v := resolved.(type) {
		case []any:
			return v, nil
		case string:
			var parsed []any
			if err := json.Unmarshal([]byte(v), &parsed); err == nil {
				return parsed, nil
			}
			parts := strings.Split(v, ",")
			items := make([]any, len(parts))
			for i, p := range parts {
				items[i] = strings.TrimSpace(p)
			}
			return items, nil
		default:
			return nil, fmt.Errorf("loop items must resolve to an array, got %T", resolved)
		}
	case n.Count != nil:
		count := 0
		switch v := n.Count.(type) {
		case float64:
			count = int(v)
		case string:
			resolved, err := Resolve(v, r.results, scope)
			if err != nil {
				return nil, err
			}
			s, _ := resolved.(string)
			count, err = strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return nil, fmt.Errorf("loop count %q is not a number", s)
			}
		default:
			return nil, fmt.Errorf("loop count must be a number or template, got %T", n.Count)
		}
		items := make([]any, 0, max(count, 0))
		for i := 0; i < count; i++ {
			items = append(items, i)
		}
		return items, nil
	default:
		if len(n.Range) != 2 {
			return nil, fmt.Errorf("loop range must be [start, end], got %d elements", len(n.Range))
		}
		start, end := n.Range[0], n.Range[1]
		var items []any
		for i := start; i < end; i++ {
			items = append(items, i)
		}
		return items, nil
	}
}

func (r *run) runParallel(ctx context.Context, n *ParallelNode, scope Scope, index int, startedAt int64) OpResult {
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]OpResult, len(n.Ops))
	var wg sync.WaitGroup
	for i, child := range n.Ops {
		wg.Add(1)
		go func(i int, child Node) {
			defer wg.Done()
			res := r.runNode(childCtx, child, scope)
			results[i] = res
			// Without continueOnError a failed branch cancels its
			// siblings; with it, branches are isolated.
			if res.Status == StatusError && !n.ContinueOnError {
				cancel()
			}
		}(i, child)
	}
	wg.Wait()

	hasError := false
	for _, res := range results {
		if res.Status == StatusError {
			hasError = true
			break
		}
	}
	status := StatusOK
	if hasError && !n.ContinueOnError {
		status = StatusError
	}

	r.results.Set(index, n.ID, asResultMap(map[string]any{
		"parallelCount":  len(n.Ops),
		"completedCount": len(results),
		"results":        results,
	}), status)

	return OpResult{
		Index: index, OpID: n.ID, Type: "parallel",
		StartedAtEpochMs: startedAt, FinishedAtEpochMs: time.Now().UnixMilli(),
		Status:           status,
		ParallelResults:  results,
	}
}

func (r *run) runTry(ctx context.Context, n *TryNode, scope Scope, index int, startedAt int64) OpResult {
	var tryResults []OpResult
	caught := false
	caughtError := ""
	for _, child := range n.Ops {
		res := r.runNode(ctx, child, scope)
		tryResults = append(tryResults, res)
		if res.Status == StatusError {
			caught = true
			caughtError = res.Error
			break
		}
	}

	var catchResults []OpResult
	if caught && len(n.Catch) > 0 {
		catchScope := make(Scope, len(scope)+2)
		for k, v := range scope {
			catchScope[k] = v
		}
		catchScope["error"] = caughtError
		catchScope["errorMessage"] = caughtError
		for _, child := range n.Catch {
			res := r.runNode(ctx, child, catchScope)
			catchResults = append(catchResults, res)
			if res.Status == StatusError {
				break
			}
		}
	}

	var finallyResults []OpResult
	for _, child := range n.Finally {
		finallyResults = append(finallyResults, r.runNode(ctx, child, scope))
	}

	status := StatusOK
	for _, res := range catchResults {
		if res.Status == StatusError {
			status = StatusError
			break
		}
	}

	r.results.Set(index, n.ID, asResultMap(map[string]any{
		"caught":         caught,
		"error":          caughtError,
		"tryResults":     tryResults,
		"catchResults":   catchResults,
		"finallyResults": finallyResults,
	}), status)

	res := OpResult{
		Index: index, OpID: n.ID, Type: "try",
		StartedAtEpochMs: startedAt, FinishedAtEpochMs: time.Now().UnixMilli(),
		Status:           status,
		Caught:           caught,
		TryResults:       tryResults,
		CatchResults:     catchResults,
		FinallyResults:   finallyResults,
	}
	if status == StatusError {
		res.Error = caughtError
	}
	return res
}

func (r *run) trackTokens(output map[string]any) {
	tokens, ok := output["tokens"].(map[string]any)
	if !ok {
		return
	}
	asInt := func(key string) int {
		if n, ok := asNumber(tokens[key]); ok {
			return int(n)
		}
		return 0
	}
	r.tokensMu.Lock()
	defer r.tokensMu.Unlock()
	r.tokens.Calls++
	r.tokens.InputTokens += asInt("input")
	r.tokens.OutputTokens += asInt("output")
	r.tokens.SavedTokens += asInt("saved")
	r.tokens.TotalTokens = r.tokens.InputTokens + r.tokens.OutputTokens
}

// asResultMap round-trips structured control-flow results through JSON so
// templates and conditions can navigate into them like any other output.
func asResultMap(v map[string]any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

// DriverNamespaces lists every driver namespace a packet's ops reach,
// including nested control-flow bodies. Used for permission checks before
// execution.
func DriverNamespaces(p *ExecPacket) []string {
	seen := map[string]bool{}
	var walk func(nodes NodeList)
	walk = func(nodes NodeList) {
		for _, n := range nodes {
			switch t := n.(type) {
			case *StepNode:
				ns, _ := ParseOp(t.Op)
				seen[ns] = true
			case *ConditionalNode:
				walk(t.Then)
				walk(t.Else)
			case *LoopNode:
				walk(t.Ops)
			case *ParallelNode:
				walk(t.Ops)
			case *TryNode:
				walk(t.Ops)
				walk(t.Catch)
				walk(t.Finally)
			}
		}
	}
	walk(p.Ops)
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	return out
}

// RequiredPermissions maps a packet's driver usage to the key permissions
// needed to run it. Every packet needs execute; http, storage, and llm are
// added per namespace. The packet's declared required_drivers win when
// present, otherwise namespaces are derived from the ops.
func RequiredPermissions(p *ExecPacket) []models.Permission {
	drivers := p.RequiredDrivers
	if len(drivers) == 0 {
		drivers = DriverNamespaces(p)
	}
	perms := []models.Permission{models.PermExecute}
	for _, d := range drivers {
		switch d {
		case "http":
			perms = append(perms, models.PermHTTP)
		case "kv", "local":
			perms = append(perms, models.PermStorage)
		case "llm":
			perms = append(perms, models.PermLLM)
		}
	}
	return perms
}
