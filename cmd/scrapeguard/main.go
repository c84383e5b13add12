package main

import "github.com/vietddude/scrapeguard/internal/cli"

func main() {
	cli.Execute()
}
