package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

const (
	// DefaultTimeout bounds a worker when neither the caller nor the source sets a limit
	DefaultTimeout = 30 * time.Minute

	// ResultFD is the file descriptor a worker writes its result object to
	ResultFD = 3

	// MaxStreamBytes bounds the buffered tail of each output stream
	MaxStreamBytes = 64 * 1024

	// SampleBytes bounds Result.RawOutputSample
	SampleBytes = 4 * 1024

	// waitDelay bounds how long Wait lingers on pipes held open by orphaned
	// grandchildren after the worker itself exits or is killed
	waitDelay = 5 * time.Second
)

// Executor runs worker processes. It never touches the store.
type Executor struct {
	registry  *Registry
	logger    *zap.SugaredLogger
	echoLines bool
}

// NewExecutor creates an executor over a registry
func NewExecutor(registry *Registry, log *zap.SugaredLogger) *Executor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{
		registry: registry,
		logger:   logger.AddWorkerSymbol(log),
	}
}

// EchoLines logs every worker output line at info instead of debug
func (e *Executor) EchoLines(on bool) {
	e.echoLines = on
}

// Run spawns the worker for source with params as its single trailing argument
// and waits for it under timeout. Every failure is reported in the Result.
func (e *Executor) Run(ctx context.Context, source string, params json.RawMessage, timeout time.Duration) Result {
	src, err := e.registry.Lookup(source)
	if err != nil {
		e.logger.Warnw("Unknown worker source",
			logger.FieldSource, source,
			logger.FieldError, err)
		return Failed(ClassUnknownSource, err)
	}

	if src.Timeout > 0 {
		timeout = src.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	payload := bytes.TrimSpace(params)
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), src.Argv[1:]...), string(payload))
	cmd := exec.CommandContext(runCtx, src.Argv[0], args...)
	cmd.Dir = src.Dir
	cmd.Env = buildEnv(src)
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	log := e.logger.With(logger.FieldSource, source)
	stdout := newStreamWriter(MaxStreamBytes, e.lineLogger(log, "stdout"))
	stderr := newStreamWriter(MaxStreamBytes, e.lineLogger(log, "stderr"))
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	resultR, resultW, err := os.Pipe()
	if err != nil {
		return Failed(ClassSpawn, errors.Mark(errors.Wrap(err, "create result pipe"), errors.ErrWorkerSpawn))
	}
	defer resultR.Close()
	cmd.ExtraFiles = []*os.File{resultW}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		resultW.Close()
		log.Errorw("Worker failed to start",
			"argv", src.Argv,
			logger.FieldError, err)
		return Failed(ClassSpawn, errors.Mark(
			errors.Wrapf(err, "start worker %s", src.Argv[0]),
			errors.ErrWorkerSpawn))
	}
	// The child holds its own copy; ours must close for EOF
	resultW.Close()

	log.Debugw("Worker started",
		logger.FieldPID, cmd.Process.Pid,
		logger.FieldTimeout, timeout.String())

	resultCh := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(io.LimitReader(resultR, MaxStreamBytes))
		resultCh <- data
	}()

	waitErr := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	var resultData []byte
	select {
	case resultData = <-resultCh:
	case <-time.After(waitDelay):
		log.Warnw("Result descriptor still open after worker exit; ignoring it")
	}

	elapsed := time.Since(start)
	res := e.classify(ctx, runCtx, timeout, waitErr, stdout.String(), stderr.String(), resultData)
	res.RawOutputSample = tailString(stdout.String(), SampleBytes)

	fields := []interface{}{
		logger.FieldDurationMS, elapsed.Milliseconds(),
		logger.FieldExitCode, res.ExitCode,
	}
	if res.Success {
		log.Infow("Worker finished",
			append(fields,
				"items_found", res.ItemsFound,
				"items_inserted", res.ItemsInserted,
				"items_updated", res.ItemsUpdated)...)
	} else {
		log.Warnw("Worker failed",
			append(fields,
				logger.FieldErrorClass, string(res.ErrorClass),
				logger.FieldError, res.ErrorMessage)...)
	}
	return res
}

// classify turns the process outcome into a Result
func (e *Executor) classify(parent, runCtx context.Context, timeout time.Duration, waitErr error, stdout, stderr string, resultData []byte) Result {
	exitCode := -1
	var exitErr *exec.ExitError
	if waitErr == nil {
		exitCode = 0
	} else if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	// Deadline beats exit status: a killed worker reports -1 or a signal
	if runCtx.Err() != nil && waitErr != nil {
		if parent.Err() != nil {
			res := Failed(ClassCancelled, errors.Mark(
				errors.Wrap(parent.Err(), "worker cancelled"),
				errors.ErrWorkerCancelled))
			res.ExitCode = exitCode
			return res
		}
		res := Failed(ClassTimeout, errors.Mark(
			errors.Newf("worker timed out after %s", timeout),
			errors.ErrWorkerTimeout))
		res.ExitCode = exitCode
		return res
	}

	if waitErr != nil {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			if exitCode >= 0 {
				msg = "exit status " + strconv.Itoa(exitCode)
			} else {
				msg = waitErr.Error()
			}
		}
		res := Failed(ClassExit, errors.Mark(errors.New(msg), errors.ErrWorkerExit))
		res.ExitCode = exitCode
		return res
	}

	raw := bytes.TrimSpace(resultData)
	if len(raw) == 0 {
		raw = lastJSONLine(stdout)
	}
	if len(raw) == 0 {
		e.logger.Warnw("Worker exited 0 without a result object; recording zero counts")
		return Result{Success: true, ExitCode: 0}
	}

	summary, err := ParseSummary(raw)
	if err != nil {
		res := Failed(ClassBadOutput, err)
		res.ExitCode = 0
		return res
	}
	return Result{
		Success:       true,
		ItemsFound:    summary.ItemsFound,
		ItemsInserted: summary.ItemsInserted,
		ItemsUpdated:  summary.ItemsUpdated,
		ExitCode:      0,
	}
}

func (e *Executor) lineLogger(log *zap.SugaredLogger, stream string) func(string) {
	return func(line string) {
		if strings.TrimSpace(line) == "" {
			return
		}
		if e.echoLines {
			log.Infow("Worker output", logger.FieldStream, stream, "line", line)
		} else {
			log.Debugw("Worker output", logger.FieldStream, stream, "line", line)
		}
	}
}

func buildEnv(src Source) []string {
	env := os.Environ()
	env = append(env,
		"CADENCE_RESULT_FD="+strconv.Itoa(ResultFD),
		"CADENCE_SOURCE="+src.Name,
	)
	for _, k := range sortedKeys(src.Env) {
		env = append(env, k+"="+src.Env[k])
	}
	return env
}

// streamWriter forwards complete lines to emit and keeps a bounded tail of the
// raw bytes
type streamWriter struct {
	mu      sync.Mutex
	max     int
	tail    []byte
	partial []byte
	emit    func(string)
}

func newStreamWriter(max int, emit func(string)) *streamWriter {
	return &streamWriter{max: max, emit: emit}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.tail = append(w.tail, p...)
	if len(w.tail) > w.max {
		w.tail = append([]byte(nil), w.tail[len(w.tail)-w.max:]...)
	}

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(strings.TrimRight(string(w.partial[:i]), "\r"))
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) > w.max {
		w.emit(string(w.partial))
		w.partial = nil
	}
	return len(p), nil
}

// Flush emits any trailing partial line
func (w *streamWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(string(w.partial))
		w.partial = nil
	}
}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.tail)
}

func tailString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
