package main

import "github.com/jp2507-max/canabro-sync/internal/cli"

func main() {
	cli.Execute()
}
