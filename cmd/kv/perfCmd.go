package kv

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/statekit/statekit/cmd/util"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for local stores",
		Long:    "",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix  = "__test"
	perfNumThreads = 10
	perfKeySpread  = 100
	perfOpsPerTest = 10000
	perfSkip       = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines to use for the benchmark"))
	key = "ops"
	perfTestCmd.Flags().Int(key, 10000, util.WrapString("Operations per benchmark"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfKeySpread = viper.GetInt("keys")
	perfNumThreads = viper.GetInt("threads")
	perfOpsPerTest = viper.GetInt("ops")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for statekit stores")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("Engine:  %s\n", viper.GetString("engine"))
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Printf("Ops:     %d\n", perfOpsPerTest)
	fmt.Printf("Keys:    %d\n", perfKeySpread)
	fmt.Println()

	fmt.Println("starting tests...")

	registry := metrics.NewRegistry()

	runBench(registry, "set", func(counter int) error {
		return localStore.Set(benchKey("set", counter), "test")
	})

	seedKeys("get")
	runBench(registry, "get", func(counter int) error {
		_, _, err := localStore.Get(benchKey("get", counter))
		return err
	})

	seedKeys("has")
	runBench(registry, "has", func(counter int) error {
		_, err := localStore.Has(benchKey("has", counter))
		return err
	})

	runBench(registry, "has-not", func(counter int) error {
		_, err := localStore.Has(fmt.Sprintf("%s-absent-%d", perfKeyPrefix, counter%perfKeySpread))
		return err
	})

	seedKeys("delete")
	runBench(registry, "delete", func(counter int) error {
		if err := localStore.Delete(benchKey("delete", counter)); err != nil {
			return err
		}
		// re-seed so later iterations keep deleting something real
		return localStore.Set(benchKey("delete", counter), "test")
	})

	seedKeys("mixed")
	runBench(registry, "mixed", func(counter int) error {
		key := benchKey("mixed", counter)
		switch counter % 4 {
		case 0:
			return localStore.Set(key, "test")
		case 1:
			_, _, err := localStore.Get(key)
			return err
		case 2:
			return localStore.Delete(key)
		default:
			_, err := localStore.Has(key)
			return err
		}
	})

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, registry); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

func benchKey(prefix string, i int) string {
	return fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i%perfKeySpread)
}

// seedKeys pre-populates the key spread for read-oriented benchmarks
func seedKeys(prefix string) {
	for i := 0; i < perfKeySpread; i++ {
		if err := localStore.Set(benchKey(prefix, i), "test"); err != nil {
			fmt.Printf("(%s) - error seeding key: %v\n", prefix, err)
		}
	}
}

// runBench drives one operation from perfNumThreads goroutines, timing
// every call through a go-metrics timer, and prints the result.
func runBench(registry metrics.Registry, name string, op func(counter int) error) {
	if shouldSkip(name) {
		fmt.Printf("%-20sskipped\n", name)
		return
	}

	timer := metrics.GetOrRegisterTimer(name, registry)
	opsPerThread := perfOpsPerTest / perfNumThreads

	var wg sync.WaitGroup
	for t := 0; t < perfNumThreads; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			for i := 0; i < opsPerThread; i++ {
				counter := t*opsPerThread + i
				start := time.Now()
				err := op(counter)
				timer.UpdateSince(start)
				if err != nil {
					fmt.Printf("(%s) - operation error: %v\n", name, err)
				}
			}
		}(t)
	}
	wg.Wait()

	printResult(name, timer)
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, timer metrics.Timer) {
	mean := timer.Mean()
	if mean == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	opsPerSec := 1.0 / (mean / 1e9)
	p95 := time.Duration(timer.Percentile(0.95))

	fmt.Printf("%-20s%.0fns/op (%s/op)\tp95=%s\t%.0f ops/sec\n",
		test, mean, time.Duration(mean), p95, opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, registry metrics.Registry) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "Count", "MeanNs", "P95Ns", "OpsPerSec",
		"Engine", "Serializer", "Threads", "Ops", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	var writeErr error
	registry.Each(func(name string, metric any) {
		timer, ok := metric.(metrics.Timer)
		if !ok || writeErr != nil {
			return
		}
		mean := timer.Mean()
		opsPerSec := 0.0
		if mean > 0 {
			opsPerSec = 1.0 / (mean / 1e9)
		}
		row := []string{
			name,
			strconv.FormatInt(timer.Count(), 10),
			fmt.Sprintf("%.0f", mean),
			fmt.Sprintf("%.0f", timer.Percentile(0.95)),
			fmt.Sprintf("%.0f", opsPerSec),
			viper.GetString("engine"),
			viper.GetString("serializer"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfOpsPerTest),
			strconv.Itoa(perfKeySpread),
		}
		if err := writer.Write(row); err != nil {
			writeErr = fmt.Errorf("failed to write row for test %s: %v", name, err)
		}
	})

	return writeErr
}
