package main

import "github.com/Fraser-Greenlee/T5-VAE/cmd"

func main() {
	cmd.Execute()
}
