package detection

import (
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// hasGPUCapability reports whether an NVIDIA GPU with a loaded driver is
// present. CUDA support in OpenCV itself is proven by the self test.
func hasGPUCapability() bool {
	if !hasNVIDIAGPU() {
		log.Debug().Str("component", "DETECT").Msg("no NVIDIA GPU detected")
		return false
	}
	if !hasNVIDIADriver() {
		log.Debug().Str("component", "DETECT").Msg("NVIDIA drivers not loaded")
		return false
	}
	return true
}

func hasNVIDIAGPU() bool {
	out, err := exec.Command("lspci").Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(out)), "nvidia")
}

func hasNVIDIADriver() bool {
	if err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Run(); err != nil {
		return false
	}
	matches, _ := filepath.Glob("/dev/nvidia*")
	return len(matches) > 0
}
