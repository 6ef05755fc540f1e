// Command bench_coalesced compares the plain coalesced
// reduce-scatter with the hierarchical quantized reduction
// on simulated clusters.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/gradsync/coalesced"
	"github.com/unixpickle/gradsync/collcomm"
	"github.com/unixpickle/gradsync/simulator"
	"github.com/unixpickle/gradsync/tensor"
	"k8s.io/klog/v2"
)

// RunInfo describes a specific cluster configuration.
type RunInfo struct {
	NumHosts  int
	PerHost   int
	Latency   float64
	IntraRate float64
	InterRate float64
}

// Result is the cost of one reduction.
type Result struct {
	Time    float64
	Traffic simulator.Traffic
}

// Run simulates one reduction on every rank.
func (r *RunInfo) Run(cfg coalesced.Config, algorithm collcomm.Algorithm,
	f func(reducer *coalesced.Reducer, groups *collcomm.GroupSet, rank int) error) Result {
	topo := collcomm.Topology{WorldSize: r.NumHosts * r.PerHost, LocalSize: r.PerHost}
	groups, err := collcomm.NewHierarchicalGroups(topo)
	essentials.Must(err)

	loop := simulator.NewEventLoop()
	nodes := simulator.NewCluster(r.NumHosts, r.PerHost)
	switcher := &simulator.TopologySwitcher{
		PerHost:   r.PerHost,
		IntraRate: r.IntraRate,
		InterRate: r.InterRate,
	}
	meter := simulator.NewMeter(simulator.NewSwitcherNetwork(switcher, len(nodes), r.Latency))
	cache := coalesced.NewGroupSizeCache()
	err = collcomm.RunSimulated(loop, meter, nodes, func(c *collcomm.Comms) error {
		c.SetAlgorithm(algorithm)
		reducer, err := coalesced.NewReducer(c, nil, cfg, coalesced.WithCache(cache))
		if err != nil {
			return err
		}
		return f(reducer, groups, c.Rank())
	})
	essentials.Must(err)
	return Result{Time: loop.Time(), Traffic: meter.Traffic()}
}

func main() {
	var hosts, sizes []int
	var info RunInfo
	cmd := &cobra.Command{
		Use:   "bench_coalesced",
		Short: "Benchmark coalesced reductions on a simulated cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(hosts) == 0 {
				return errors.New("no host counts given")
			}
			cfg := coalesced.ConfigFromEnv(coalesced.DefaultConfig(info.PerHost))
			cfg.LocalWorldSize = info.PerHost
			if err := cfg.Validate(info.PerHost * hosts[0]); err != nil {
				return err
			}
			runBenchmarks(info, cfg, hosts, sizes)
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&hosts, "hosts", []int{2, 4, 8}, "numbers of hosts to simulate")
	cmd.Flags().IntSliceVar(&sizes, "sizes", []int{4096, 262144, 1048576}, "buffer sizes, in elements")
	cmd.Flags().IntVar(&info.PerHost, "devices", 4, "devices per host")
	cmd.Flags().Float64Var(&info.Latency, "latency", 1e-5, "message latency in seconds")
	cmd.Flags().Float64Var(&info.IntraRate, "intra-rate", 1e10, "bytes per second between devices of a host")
	cmd.Flags().Float64Var(&info.InterRate, "inter-rate", 1e9, "bytes per second of a host's NIC")

	klog.InitFlags(nil)
	cmd.Flags().AddGoFlagSet(flag.CommandLine)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBenchmarks(info RunInfo, cfg coalesced.Config, hosts, sizes []int) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Hosts", "Devices", "Size", "Plain time", "Ring time", "Plain inter-host",
		"Quantized time", "Quantized inter-host"})
	table.SetAutoFormatHeaders(false)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")

	for _, numHosts := range hosts {
		run := info
		run.NumHosts = numHosts
		for _, size := range sizes {
			// Two dimensions route the buffer through the
			// quantized path.
			shape := []int{size / 64, 64}
			if size%64 != 0 {
				shape = []int{size, 1}
			}
			reduceScatter := func(r *coalesced.Reducer, _ *collcomm.GroupSet, rank int) error {
				x := tensor.Full(dtypes.Float32, float32(rank), shape...)
				_, err := r.ReduceScatterCoalesced([]*tensor.Tensor{x}, nil)
				return err
			}
			plain := run.Run(cfg, collcomm.DirectAlgorithm, reduceScatter)
			ring := run.Run(cfg, collcomm.RingAlgorithm, reduceScatter)
			quantReduce := func(r *coalesced.Reducer, groups *collcomm.GroupSet, rank int) error {
				x := tensor.Full(dtypes.Float32, float32(rank), shape...)
				_, err := r.AllToAllQuantReduce([]*tensor.Tensor{x}, groups)
				return err
			}
			quantized := run.Run(cfg, collcomm.DirectAlgorithm, quantReduce)
			table.Append([]string{
				strconv.Itoa(numHosts),
				strconv.Itoa(run.PerHost),
				strconv.Itoa(size),
				fmt.Sprintf("%f", plain.Time),
				fmt.Sprintf("%f", ring.Time),
				humanize.Bytes(uint64(plain.Traffic.InterHostBytes)),
				fmt.Sprintf("%f", quantized.Time),
				humanize.Bytes(uint64(quantized.Traffic.InterHostBytes)),
			})
		}
	}
	table.Render()
}
