package main

import (
	"os"

	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/flag"
)

func main() {
	fault.Exit(flag.Parse(os.Args[1:], os.Stdout))
}
