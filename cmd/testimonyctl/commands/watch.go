package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/testimony-project/testimony/pkg/testimony"
)

func watchCmd() *cobra.Command {
	var (
		shard int
		dump  bool
		count int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream packet summaries from a shard",
		Long:  "Connects to a testimonyd control socket, selects a fanout shard, and prints a summary of every captured packet until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runWatch(ctx, socketPath, shard, dump, count)
		},
	}

	cmd.Flags().IntVar(&shard, "shard", 0, "fanout shard index to request")
	cmd.Flags().BoolVar(&dump, "dump", false, "hex-dump each packet's captured bytes")
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many packets (0 = unbounded)")

	return cmd
}

func runWatch(ctx context.Context, socket string, shard int, dump bool, count int) error {
	client, err := testimony.Connect(socket)
	if err != nil {
		return fmt.Errorf("connect %s: %w", socket, err)
	}
	defer client.Close()

	geom := client.Geometry()
	fmt.Printf("connected: fanout_size=%d block_size=%d block_count=%d\n",
		geom.FanoutSize, geom.BlockSize, geom.BlockCount)

	if err := client.SelectShard(ctx, shard); err != nil {
		return fmt.Errorf("select shard %d: %w", shard, err)
	}
	fmt.Printf("shard %d selected\n", shard)

	iter := testimony.NewIterator()
	seen := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		block, err := client.GetBlock(250)
		if err != nil {
			return fmt.Errorf("get block: %w", err)
		}
		if block == nil {
			continue
		}

		if err := iter.Reset(block); err != nil {
			return fmt.Errorf("reset iterator: %w", err)
		}

		for pkt, ok := iter.Next(); ok; pkt, ok = iter.Next() {
			printPacket(pkt, dump)
			seen++
			if count > 0 && seen >= count {
				return client.ReturnBlock(block)
			}
		}

		if err := client.ReturnBlock(block); err != nil {
			return fmt.Errorf("return block: %w", err)
		}
	}
}

func printPacket(pkt testimony.Packet, dump bool) {
	fmt.Printf("%s caplen=%d len=%d\n", pkt.Timestamp.Format("15:04:05.000000"), pkt.CapLen, pkt.Len)
	if dump {
		fmt.Printf("%x\n", pkt.Data)
	}
}
