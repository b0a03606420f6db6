package kernel

import (
	"encoding/json"
	"os"
	"path"
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// JupyterDataDirEnv is the environment variable pointing to Jupyter's data
// directory, under which kernelspecs live.
const JupyterDataDirEnv = "JUPYTER_DATA_DIR"

// KernelSpecName is the directory name ark's kernelspec is installed under:
// <jupyter-data-dir>/kernels/ark.
const KernelSpecName = "ark"

// jupyterKernelConfig is the kernel.json written into the kernelspec
// directory (spec §4.C's bootstrap, and the Jupyter kernelspec format).
type jupyterKernelConfig struct {
	Argv        []string          `json:"argv"`
	DisplayName string            `json:"display_name"`
	Language    string            `json:"language"`
	Env         map[string]string `json:"env"`
	Interrupt   string            `json:"interrupt_mode,omitempty"`
}

// Install registers ark as a Jupyter kernelspec, pointing argv at the
// current executable with "--kernel {connection_file}". extraArgs is
// appended to argv verbatim (cmd/ark passes klog's --v and --vmodule).
//
// Grounded on the teacher's internal/kernel/install.go Install, generalized
// from a Go-language kernelspec to an R one.
func Install(extraArgs []string) error {
	arkPath, err := os.Executable()
	if err != nil {
		return errors.WithMessage(err, "kernel: failed to find path to the ark binary")
	}

	config := jupyterKernelConfig{
		Argv:        append([]string{arkPath, "--kernel", "{connection_file}"}, extraArgs...),
		DisplayName: "R (ark)",
		Language:    "R",
		Env:         map[string]string{},
		Interrupt:   "signal",
	}

	kernelDir, err := KernelSpecDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(kernelDir, 0755); err != nil {
		return errors.WithMessagef(err, "kernel: failed to create kernelspec directory %q", kernelDir)
	}

	configPath := path.Join(kernelDir, "kernel.json")
	f, err := os.Create(configPath)
	if err != nil {
		return errors.WithMessagef(err, "kernel: failed to create %q", configPath)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(&config); err != nil {
		return errors.WithMessagef(err, "kernel: failed to write %q", configPath)
	}
	klog.Infof("kernel: R (ark) kernelspec installed at %q", configPath)
	return nil
}

// KernelSpecDir returns the directory ark's kernelspec is (or would be)
// installed under, honoring $JUPYTER_DATA_DIR with an OS-appropriate
// fallback.
func KernelSpecDir() (string, error) {
	if dir := os.Getenv(JupyterDataDirEnv); dir != "" {
		return path.Join(dir, "kernels", KernelSpecName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.WithMessage(err, "kernel: failed to locate home directory")
	}
	var jupyterDataDir string
	switch runtime.GOOS {
	case "linux":
		jupyterDataDir = path.Join(home, ".local/share/jupyter")
	case "darwin":
		jupyterDataDir = path.Join(home, "Library/Jupyter")
	default:
		return "", errors.Errorf(
			"kernel: unsupported OS %q: don't know where to install the ark kernelspec; set %s to force a location",
			runtime.GOOS, JupyterDataDirEnv)
	}
	return path.Join(jupyterDataDir, "kernels", KernelSpecName), nil
}
