package main

import (
	"os"

	"p2pcdn/pkg/logger"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "p2p-cdn",
	Short: "Peer-to-peer content delivery node",
	Long:  `A decentralized content-delivery node: files are split into content-addressed chunks, exchanged across a mesh of peers, cached locally, and reassembled as a complete file or a progressive byte stream.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}
