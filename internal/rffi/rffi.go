// Package rffi is the one place in this repository that talks to R's own C
// API instead of a Go library. No package in the pack this kernel was
// built from embeds a language runtime -- the closest analogue is the
// teacher's goexec package, which drives a *separate Go toolchain process*
// rather than linking a runtime into itself -- so there is no third-party
// Go wrapper to adopt here: R's own embedding API (Rembedded.h /
// Rinterface.h / Rinternals.h, the same surface libR-sys and extendr bind
// from Rust) is the unavoidable dependency, and cgo is the only way to
// reach it from Go.
//
// Every exported function here is safe to call only from RMain's own
// goroutine (spec §4.A "R Main Thread"): R's C API is not reentrant, and
// nothing in this package does its own locking to enforce that -- RMain is
// the single caller by construction, never by mutex.
package rffi

/*
#cgo pkg-config: libR
#include <stdlib.h>
#include <string.h>
#include <Rembedded.h>
#include <Rinterface.h>
#include <Rinternals.h>
#include <R_ext/Parse.h>
#include <R_ext/Print.h>

extern void arkConsoleWrite(char *buf, int len, int isError);
extern void arkSuicide(char *msg);
extern void arkBusy(int which);
extern int arkReadConsole(char *prompt, unsigned char *buf, int buflen, int addtohistory);

static void ark_WriteConsoleEx(const char *buf, int len, int otype) {
	arkConsoleWrite((char *)buf, len, otype);
}

static void ark_Suicide(const char *msg) {
	arkSuicide((char *)msg);
}

static void ark_Busy(int which) {
	arkBusy(which);
}

static int ark_ReadConsole(const char *prompt, unsigned char *buf, int len, int addtohistory) {
	return arkReadConsole((char *)prompt, buf, len, addtohistory);
}

static void ark_install_callbacks() {
	ptr_R_WriteConsoleEx = ark_WriteConsoleEx;
	ptr_R_WriteConsole = NULL;
	ptr_R_Suicide = ark_Suicide;
	ptr_R_Busy = ark_Busy;
	ptr_R_ReadConsole = ark_ReadConsole;
	R_Interactive = 1;
}

// ark_print_value renders value the way R's own auto-print would (the same
// call R_ReplDLLdo1's auto-print step makes), writing through whatever
// ptr_R_WriteConsoleEx currently points at -- the caller is expected to
// swap that to a capturing writer first.
static void ark_print_value(SEXP value, SEXP env) {
	Rf_PrintValueEnv(value, env);
}
*/
import "C"

import (
	"bytes"
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ConsoleWriter receives bytes R wants written to stdout (isError == false)
// or stderr (isError == true). Installed once via SetConsoleWriter, before
// Init; internal/streamcapture is the production implementation.
type ConsoleWriter func(data []byte, isError bool)

var (
	consoleWriter ConsoleWriter
	initOnce      sync.Once
)

// SetConsoleWriter installs the callback R's console output is routed
// through. Must be called before Init.
func SetConsoleWriter(w ConsoleWriter) {
	consoleWriter = w
}

// ReadConsoleFn is asked for the next line of input whenever R's own
// read-console hook fires -- both run_Rmainloop's top-level prompt and a
// mid-evaluation call like readline() or scan() go through the same
// ptr_R_ReadConsole pointer. ok reports whether a line was actually
// supplied; a false return is surfaced to R as EOF on stdin.
type ReadConsoleFn func(prompt string) (line string, ok bool)

var readConsole ReadConsoleFn

// SetReadConsole installs the callback that answers R's read-console
// requests. Must be called before Init. internal/rmain points this at
// internal/streamcapture.Capture.OnReadConsole, which in turn prompts
// whichever request is currently executing via kernel.Message.PromptInput
// (spec §4.F's Stdin Loop).
func SetReadConsole(fn ReadConsoleFn) {
	readConsole = fn
}

// Init embeds R into the current process: runs Rf_initEmbeddedR, installs
// the console/busy/suicide callbacks, and runs setup_Rmainloop. Must be
// called exactly once, from what will become RMain's goroutine, before any
// other function in this package.
func Init() error {
	var err error
	initOnce.Do(func() {
		argv := []string{"ark", "--no-save", "--no-restore", "--slave"}
		cArgv := make([]*C.char, len(argv))
		for i, a := range argv {
			cArgv[i] = C.CString(a)
		}
		defer func() {
			for _, a := range cArgv {
				C.free(unsafe.Pointer(a))
			}
		}()
		C.Rf_initEmbeddedR(C.int(len(cArgv)), &cArgv[0])
		C.ark_install_callbacks()
		C.setup_Rmainloop()
	})
	return err
}

// RunOnce executes one iteration of R's own idle/event loop, the same
// primitive run_Rmainloop would keep calling forever -- RMain's pump calls
// this once per iteration instead, so it can interleave R's own idle
// processing with rtask.Broker.Run between iterations (spec §4.A step 4).
func RunOnce() {
	C.R_ReplDLLdo1()
}

// EvalResult is what Eval returns for one top-level expression.
type EvalResult struct {
	// Printed is the auto-printed representation of the result, as it would
	// appear at an interactive R console -- empty if the result was invisible.
	Printed string
	Visible bool
}

// Eval parses code and evaluates each top-level expression in it in the
// global environment, as if typed at the R console. This is the function
// rtask.Task closures call into from within RMain to service
// execute_request and DAP "evaluate".
func Eval(code string) ([]EvalResult, error) {
	cCode := C.CString(code)
	defer C.free(unsafe.Pointer(cCode))

	var status C.ParseStatus
	parsed := C.R_ParseVector(C.mkString(cCode), C.int(-1), &status, C.R_NilValue)
	if status != C.PARSE_OK {
		return nil, errors.Errorf("rffi: parse error in %q", code)
	}
	C.Rf_protect(parsed)
	defer C.Rf_unprotect(1)

	n := int(C.Rf_length(parsed))
	results := make([]EvalResult, 0, n)
	for i := 0; i < n; i++ {
		expr := C.VECTOR_ELT(parsed, C.R_xlen_t(i))
		var evalErr C.int
		value := C.R_tryEval(expr, C.R_GlobalEnv, &evalErr)
		if evalErr != 0 {
			return results, errors.Errorf("rffi: evaluation of %q raised a condition", code)
		}
		visible := C.R_Visible != 0
		var printed string
		if visible {
			C.Rf_protect(value)
			printed = capturePrintedValue(value)
			C.Rf_unprotect(1)
		}
		results = append(results, EvalResult{Printed: printed, Visible: visible})
	}
	return results, nil
}

// capturePrintedValue renders value the way an interactive R console would
// auto-print it (e.g. "[1] 2" for 1+1), by temporarily redirecting the
// console-write callback into a local buffer instead of the production
// ConsoleWriter. The result is reported to the front end as execute_result,
// not as a stdout stream event, so it must not also reach consoleWriter.
func capturePrintedValue(value C.SEXP) string {
	prev := consoleWriter
	var buf bytes.Buffer
	consoleWriter = func(data []byte, isError bool) {
		if !isError {
			buf.Write(data)
		}
	}
	defer func() { consoleWriter = prev }()

	C.ark_print_value(value, C.R_GlobalEnv)
	return strings.TrimRight(buf.String(), "\n")
}

// CheckInterrupt reports R's own pending-interrupt flag -- distinct from
// internal/interrupt.Plane. RMain clears R's flag together with the plane
// after observing a raised plane.
func CheckInterrupt() bool {
	return C.R_interrupts_pending != 0
}

// RaiseInterrupt sets R's own pending-interrupt flag, so the next
// R_CheckUserInterrupt() call inside a running computation unwinds via R's
// own condition system.
func RaiseInterrupt() {
	C.R_interrupts_pending = 1
}

// ClearInterrupt resets R's pending-interrupt flag once RMain has observed
// and acted on it.
func ClearInterrupt() {
	C.R_interrupts_pending = 0
}

// Shutdown tears down the embedded R session.
func Shutdown() {
	C.Rf_endEmbeddedR(0)
}

//export arkConsoleWrite
func arkConsoleWrite(buf *C.char, length C.int, isError C.int) {
	if consoleWriter == nil {
		return
	}
	data := C.GoBytes(unsafe.Pointer(buf), length)
	consoleWriter(data, isError != 0)
}

//export arkSuicide
func arkSuicide(msg *C.char) {
	klog.Fatalf("rffi: R called Suicide: %s", C.GoString(msg))
}

//export arkReadConsole
func arkReadConsole(prompt *C.char, buf *C.uchar, buflen C.int, addToHistory C.int) C.int {
	if readConsole == nil || buflen <= 0 {
		return 0
	}
	line, ok := readConsole(C.GoString(prompt))
	if !ok {
		return 0
	}
	line += "\n"
	dst := unsafe.Slice((*byte)(unsafe.Pointer(buf)), int(buflen))
	n := copy(dst, line)
	if n >= int(buflen) {
		n = int(buflen) - 1
	}
	dst[n] = 0
	return 1
}

//export arkBusy
func arkBusy(which C.int) {
	klog.V(2).Infof("rffi: R busy callback, which=%d", int(which))
}
