package main

import (
	"os"

	"kubegems.io/onnxq/cmd/onnxq/quant"
)

const ErrExitCode = 1

func main() {
	if err := quant.NewOnnxqCmd().Execute(); err != nil {
		os.Exit(ErrExitCode)
	}
}
