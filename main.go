/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "pincer/cmd"

func main() {
	cmd.Execute()
}
