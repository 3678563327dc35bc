package main

import (
	"context"
	goflag "flag"
	"os"
	"os/signal"

	"k8s.io/klog/v2"
)

func main() {
	klogFlags := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		klog.Flush()
		os.Exit(1)
	}
}
