package experiment

import (
	"io"

	logx "pewpost/pkg/logx"
)

func nopLogger() logx.Logger { return logx.NewWriter(io.Discard, "debug") }
