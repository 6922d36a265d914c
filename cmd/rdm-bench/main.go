// Command rdm-bench exercises the transfer engine end to end: it stands up an
// engine over the in-process mem provider, registers source and destination
// buffers, and drives batched one-sided writes while reporting throughput.
package main

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rocketbitz/rdm-transfer-go/config"
	"github.com/rocketbitz/rdm-transfer-go/engine"
	"github.com/rocketbitz/rdm-transfer-go/fabric"
	"github.com/rocketbitz/rdm-transfer-go/fabric/mem"
	"github.com/rocketbitz/rdm-transfer-go/transport"
	"github.com/rocketbitz/rdm-transfer-go/transport/rdm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rdm-bench",
		Short:         "benchmark and inspect the RDM transfer engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to a config file")
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")
	root.AddCommand(newDevicesCmd(), newBenchCmd())
	return root
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "list the devices the mem provider reports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos, err := mem.NewProvider().Discover()
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tdomain=%s\tprovider=%s\n",
					info.Device, info.Domain, info.Provider)
			}
			return nil
		},
	}
}

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "run a loopback write benchmark",
		RunE:  runBench,
	}
	cmd.Flags().Int("size", 16*1024*1024, "bytes per request")
	cmd.Flags().Int("requests", 8, "requests per batch")
	cmd.Flags().Duration("wait", 10*time.Second, "how long to wait for completion")
	return cmd
}

func runBench(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return err
	}

	logger := zap.NewNop()
	if v.GetBool("verbose") {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer logger.Sync()
	}

	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return err
	}
	cfg.LocalHost = "localhost"

	eng, err := engine.New(cfg, engine.WithLogger(logger), engine.WithoutHandshakeServer())
	if err != nil {
		return err
	}
	defer eng.Close()

	rdmTransport, err := eng.InstallRDMTransport(mem.NewProvider())
	if err != nil {
		return err
	}

	size := v.GetInt("size")
	requests := v.GetInt("requests")
	source := make([]byte, size*requests)
	dest := make([]byte, size*requests)
	for i := range source {
		source[i] = byte(i)
	}
	srcAddr := uintptr(unsafe.Pointer(&source[0]))
	dstAddr := uintptr(unsafe.Pointer(&dest[0]))
	if err := eng.RegisterLocalMemory(srcAddr, len(source), fabric.AccessFull); err != nil {
		return err
	}
	if err := eng.RegisterLocalMemory(dstAddr, len(dest), fabric.AccessFull); err != nil {
		return err
	}

	ctx := rdmTransport.Contexts()[0]
	target := ctx.NicPath()
	remoteKey := ctx.RKey(dstAddr)

	reqs := make([]transport.TransferRequest, 0, requests)
	for i := 0; i < requests; i++ {
		reqs = append(reqs, transport.TransferRequest{
			Opcode:        transport.OpcodeWrite,
			Source:        srcAddr + uintptr(i*size),
			Length:        size,
			TargetNicPath: target,
			RemoteAddr:    uint64(dstAddr) + uint64(i*size),
			RemoteKey:     remoteKey,
		})
	}

	start := time.Now()
	batchID := eng.AllocateBatch()
	if err := eng.SubmitTransfer(batchID, reqs); err != nil {
		return err
	}

	deadline := time.Now().Add(v.GetDuration("wait"))
	for {
		done := 0
		for i := 0; i < requests; i++ {
			status, err := eng.GetTransferStatus(batchID, i)
			if err != nil {
				return err
			}
			switch status.Code {
			case transport.StatusCompleted:
				done++
			case transport.StatusFailed:
				return fmt.Errorf("request %d failed after %d bytes", i, status.TransferredBytes)
			}
		}
		if done == requests {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out with %d/%d requests complete", done, requests)
		}
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)
	if err := eng.FreeBatch(batchID); err != nil {
		return err
	}

	total := int64(size) * int64(requests)
	fmt.Fprintf(cmd.OutOrStdout(), "transferred %d bytes in %s (%.1f MiB/s) via %s\n",
		total, elapsed.Round(time.Microsecond),
		float64(total)/elapsed.Seconds()/(1<<20), rdm.TransportName)
	return nil
}
