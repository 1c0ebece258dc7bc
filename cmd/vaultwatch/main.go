package main

import "github.com/vietddude/vaultwatch/internal/cli"

func main() {
	cli.Execute()
}
