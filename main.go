package main

import "github.com/ersintarhan/vllm-mlx/cmd"

func main() {
	cmd.Execute()
}
