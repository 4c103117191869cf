package main

import (
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/cmd"
)

func main() {
	cmd.Execute()
}
