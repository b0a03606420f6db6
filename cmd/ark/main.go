// Command ark is an R kernel for Jupyter/Positron, speaking the Jupyter
// wire protocol over ZeroMQ plus the Debug Adapter Protocol over
// "debug_request"/"debug_event" messages.
//
// Grounded on the teacher's root main.go: the same --install/--kernel
// flag shape and log-setup-then-dispatch structure, generalized from
// wiring a Go executor to wiring an embedded R session, task broker,
// IOPub publisher, comm registry and DAP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/posit-dev/ark/internal/comms"
	"github.com/posit-dev/ark/internal/dap"
	"github.com/posit-dev/ark/internal/dispatcher"
	"github.com/posit-dev/ark/internal/interrupt"
	"github.com/posit-dev/ark/internal/iopub"
	"github.com/posit-dev/ark/internal/kernel"
	"github.com/posit-dev/ark/internal/metrics"
	"github.com/posit-dev/ark/internal/rmain"
	"github.com/posit-dev/ark/internal/rtask"
	"github.com/posit-dev/ark/internal/streamcapture"
	"github.com/posit-dev/ark/version"
)

var (
	flagInstall    = flag.Bool("install", false, "Install the ark kernelspec in the local Jupyter configuration.")
	flagKernel     = flag.String("kernel", "", "Run the kernel using the `connection_file` provided by the Jupyter client.")
	flagVersion    = flag.Bool("version", false, "Print the ark version and exit.")
	flagMetricsURL = flag.String("metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. 127.0.0.1:6060).")
)

// UniqueID identifies one kernel process: the last 8 characters of a UUID
// generated by setUpLogging. Nothing else in this program reads it.
var UniqueID string

func main() {
	flag.Parse()
	setUpLogging()

	if *flagVersion {
		fmt.Println(version.Number)
		return
	}

	if *flagInstall {
		if err := kernel.Install(extraInstallArgs()); err != nil {
			klog.Fatalf("ark: installation failed: %+v", err)
		}
		return
	}

	if *flagKernel == "" {
		fmt.Fprintf(os.Stderr, "Use --install to register the kernelspec, or --kernel <connection_file> when launched by Jupyter.\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if *flagMetricsURL != "" {
		serveMetrics(*flagMetricsURL)
	}

	if err := run(*flagKernel); err != nil {
		klog.Fatalf("ark: %+v", err)
	}
}

// run wires every component together per spec §4's module list and pumps
// until the session stops.
func run(connectionFile string) error {
	session, err := kernel.New(connectionFile)
	if err != nil {
		return err
	}

	plane := interrupt.New()
	plane.Subscribe(func(interrupt.SubscriptionID) {
		metrics.InterruptsRaised.WithLabelValues("signal").Inc()
	})
	terminalSignal := make(chan struct{})
	plane.HandleProcessSignals(terminalSignal)
	go func() {
		<-terminalSignal
		session.Stop()
	}()

	broker := rtask.New(plane)

	capture := streamcapture.New(&ioPubStreamSink{session: session})

	pub := iopub.New(session.SessionID, session.SendIOPub)
	session.IOPub = pub
	go pub.Run()
	defer pub.Close()

	commsReg := comms.New()
	registerCommTargets(commsReg)

	dapServer := dap.New(broker)
	dap.SetEvaluator(func(ctx context.Context, expr string) (any, error) {
		results, err := rmain.Eval(ctx, expr)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			return "", nil
		}
		return results[len(results)-1].Printed, nil
	})

	main := rmain.New(broker, plane, capture, func(s rmain.State) {
		metrics.ExecutionStateTransitions.WithLabelValues(s.String()).Inc()
		status := kernel.StatusIdle
		if s == rmain.StateBusy {
			status = kernel.StatusBusy
		}
		_ = pub.PublishStatus(kernel.ComposedMsg{}, status)
	})
	main.SetDebugHook(dapServer)

	disp := dispatcher.New(session, broker, commsReg, dapServer, capture)

	go func() {
		if err := main.Run(); err != nil {
			klog.Errorf("ark: rmain exited: %+v", err)
			session.Stop()
		}
	}()
	defer main.Stop()

	disp.Run()
	session.ExitWait()
	broker.Close()
	klog.Infof("ark: exiting")
	return nil
}

// registerCommTargets wires up the handlers for every known Positron comm
// target (spec §4.G). Each handler is a no-op: comm_msg traffic on these
// comms is accepted and produces no reply, and ark pushes no state of its
// own (variables, plots) on them.
func registerCommTargets(reg *comms.Registry) {
	noop := func(commID string, data map[string]any) (map[string]any, error) {
		return nil, nil
	}
	for _, target := range []string{
		comms.TargetVariables, comms.TargetDataExplorer, comms.TargetPlots,
		comms.TargetHelp, comms.TargetUI, comms.TargetDebugger,
	} {
		reg.RegisterTarget(target, noop)
	}
}

// ioPubStreamSink adapts kernel.Session/Publisher into streamcapture.Sink.
type ioPubStreamSink struct {
	session *kernel.Session
}

func (s *ioPubStreamSink) Write(parent kernel.ComposedMsg, streamName string, data []byte) error {
	return s.session.IOPub.(*iopub.Publisher).Write(parent, streamName, data)
}

func extraInstallArgs() []string {
	var extraArgs []string
	if glogFlag := flag.Lookup("vmodule"); glogFlag != nil && glogFlag.Value.String() != "" {
		extraArgs = append(extraArgs, "--vmodule", glogFlag.Value.String())
	}
	if glogFlag := flag.Lookup("v"); glogFlag != nil && glogFlag.Value.String() != "" {
		extraArgs = append(extraArgs, "--v", glogFlag.Value.String())
	}
	return extraArgs
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	go func() {
		klog.Infof("ark: serving metrics on %q", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			klog.Errorf("ark: metrics server stopped: %+v", err)
		}
	}()
}

func setUpLogging() {
	klog.InitFlags(nil)
	uuidTmp, _ := uuid.NewV7()
	uuidStr := uuidTmp.String()
	UniqueID = uuidStr[len(uuidStr)-8:]
}
