package main

import "github.com/davarch/ci-controlplane/cmd/ci-controlplane/cli"

func main() {
	cli.Execute()
}
