// Package vmmtest provides a fake firecracker for tests. The test binary
// re-executes itself as the hypervisor: call Main from TestMain when Enabled
// reports true, and use Setup to point a controller at os.Args[0].
package vmmtest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

const pidPrefix = "fake firecracker pid "

const (
	envEnabled = "FCTERM_FAKE_FIRECRACKER"
	envCallLog = "FCTERM_FAKE_CALL_LOG"
	envFail    = "FCTERM_FAKE_FAIL"
	envMode    = "FCTERM_FAKE_MODE"
	envDelay   = "FCTERM_FAKE_DELAY"
)

// Mode changes how the fake behaves as a process.
type Mode string

const (
	// ModeNormal serves the API and exits on SIGTERM.
	ModeNormal Mode = ""
	// ModeNoSocket never creates the control socket.
	ModeNoSocket Mode = "nosocket"
	// ModeIgnoreTerm serves the API but ignores SIGTERM.
	ModeIgnoreTerm Mode = "ignoreterm"
	// ModeExit exits immediately with a non-zero status.
	ModeExit Mode = "exit"
)

// Options configure the fake for one test.
type Options struct {
	// FailPath makes requests whose path starts with it fail with 400.
	FailPath string
	Mode     Mode
	// Delay holds every response back this long.
	Delay time.Duration
}

// Call is one API request the fake received.
type Call struct {
	Method string
	Path   string
	Body   map[string]any
}

// String renders the call as "METHOD /path".
func (c Call) String() string {
	return c.Method + " " + c.Path
}

// Enabled reports whether this process was started as the fake.
func Enabled() bool {
	return os.Getenv(envEnabled) == "1"
}

// Setup configures child processes spawned by the test to run the fake and
// returns the binary to spawn and the call log they write to.
func Setup(t testing.TB, opts Options) (binary, callLog string) {
	t.Helper()
	callLog = filepath.Join(t.TempDir(), "calls.jsonl")
	t.Setenv(envEnabled, "1")
	t.Setenv(envCallLog, callLog)
	t.Setenv(envFail, opts.FailPath)
	t.Setenv(envMode, string(opts.Mode))
	t.Setenv(envDelay, opts.Delay.String())
	return os.Args[0], callLog
}

// SocketDir returns a short temporary directory for control sockets. Unix
// socket paths are limited to 108 bytes, which test temp dirs can exceed.
func SocketDir(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "fc")
	if err != nil {
		t.Fatalf("create socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// ReadCalls returns the calls recorded in callLog, in order.
func ReadCalls(t testing.TB, callLog string) []Call {
	t.Helper()
	f, err := os.Open(callLog)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("open call log: %v", err)
	}
	defer f.Close()

	var calls []Call
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var c Call
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			t.Fatalf("parse call log: %v", err)
		}
		calls = append(calls, c)
	}
	return calls
}

// LoggedPid returns the pid the fake wrote to its stdout log, or 0 if it was
// stopped before getting that far.
func LoggedPid(t testing.TB, logPath string) int {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatalf("read vmm log: %v", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(line, pidPrefix); ok {
			pid, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil {
				t.Fatalf("parse pid line %q: %v", line, err)
			}
			return pid
		}
	}
	return 0
}

// Gone reports whether no process with pid exists. An unreaped zombie still
// counts as present.
func Gone(pid int) bool {
	return unix.Kill(pid, 0) == unix.ESRCH
}

// RunningWithArg returns the pids of live processes whose command line
// contains arg.
func RunningWithArg(t testing.TB, arg string) []int {
	t.Helper()
	entries, err := os.ReadDir("/proc")
	if err != nil {
		t.Fatalf("read /proc: %v", err)
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		for _, a := range bytes.Split(cmdline, []byte{0}) {
			if string(a) == arg {
				pids = append(pids, pid)
				break
			}
		}
	}
	return pids
}

// Main runs the fake hypervisor and exits the process.
func Main() {
	fmt.Fprintf(os.Stdout, "%s%d\n", pidPrefix, os.Getpid())
	mode := Mode(os.Getenv(envMode))
	switch mode {
	case ModeExit:
		os.Exit(3)
	case ModeIgnoreTerm:
		signal.Ignore(syscall.SIGTERM)
	}

	socket := argValue(os.Args[1:], "--api-sock")
	if socket == "" {
		os.Stderr.WriteString("fake firecracker: --api-sock required\n")
		os.Exit(2)
	}

	if mode == ModeNoSocket {
		for {
			time.Sleep(time.Hour)
		}
	}

	ln, err := net.Listen("unix", socket)
	if err != nil {
		os.Stderr.WriteString("fake firecracker: " + err.Error() + "\n")
		os.Exit(1)
	}

	delay, _ := time.ParseDuration(os.Getenv(envDelay))
	srv := &server{
		callLog:  os.Getenv(envCallLog),
		failPath: os.Getenv(envFail),
		delay:    delay,
	}
	hs := &http.Server{Handler: srv, ReadHeaderTimeout: 5 * time.Second}
	_ = hs.Serve(ln)
	os.Exit(0)
}

type server struct {
	mu       sync.Mutex
	callLog  string
	failPath string
	delay    time.Duration
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	call := Call{Method: r.Method, Path: r.URL.Path}
	if len(bytes.TrimSpace(body)) > 0 {
		_ = json.Unmarshal(body, &call.Body)
	}
	s.record(call)
	time.Sleep(s.delay)

	if r.Method != http.MethodPut || !knownPath(r.URL.Path) {
		writeFault(w, http.StatusBadRequest, "unsupported request "+call.String())
		return
	}
	if s.failPath != "" && strings.HasPrefix(r.URL.Path, s.failPath) {
		writeFault(w, http.StatusBadRequest, "rejected by fake")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) record(c Call) {
	if s.callLog == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.callLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	line, _ := json.Marshal(c)
	f.Write(append(line, '\n'))
}

func knownPath(p string) bool {
	switch {
	case p == "/boot-source", p == "/machine-config", p == "/actions":
		return true
	case strings.HasPrefix(p, "/network-interfaces/"), strings.HasPrefix(p, "/drives/"):
		return true
	}
	return false
}

func writeFault(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"fault_message": msg})
}

func argValue(args []string, name string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}
