package service

import (
	"os"
	"sort"
	"strings"

	"github.com/Xilinx/fpga-server/internal/model"
)

// CommandFromConfig builds the Command run for every request. Values of
// compute.env starting with $ are expanded, keys are upper-cased and added on
// top of the server environment (XRT needs XILINX_XRT and friends).
func CommandFromConfig(cfg model.Compute) Command {
	var env []string
	if len(cfg.Env) > 0 {
		keys := make([]string, 0, len(cfg.Env))
		for k := range cfg.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		env = append(env, os.Environ()...)
		for _, k := range keys {
			v := cfg.Env[k]
			if strings.HasPrefix(v, "$") {
				v = os.ExpandEnv(v)
			}
			env = append(env, strings.ToUpper(k)+"="+v)
		}
	}
	return Command{
		Path:    cfg.Path,
		Args:    append([]string(nil), cfg.Args...),
		Env:     env,
		Timeout: cfg.Timeout.Std(),
	}
}
