// tnttrain trains a small model on a synthetic regression task with the strategy
// selected on the command line, so a multi-rank run under tntrun exercises the
// rendezvous, gradient reduction, compilation and weight averaging end to end.
//
// Standalone (WORLD_SIZE defaults to 1):
//
//	tnttrain --strategy=ddp --epochs=5
//
// or under the launcher:
//
//	tntrun --nproc=2 -- tnttrain --strategy=fsdp --epochs=5
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/ethan626/tnt/backends/eager"
	"github.com/ethan626/tnt/pkg/core/distributed"
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/ethan626/tnt/pkg/ml/module"
	"github.com/ethan626/tnt/pkg/ml/optimizers"
	"github.com/ethan626/tnt/pkg/ml/parallel"
)

var (
	flagStrategy = flag.String("strategy", "ddp", "Parallelization strategy: \"ddp\", \"fsdp\" or empty to train unwrapped.")
	flagCompile  = flag.String("compile", "", "Compile backend configuration, \"<name>\" or \"<name>:<config>\". "+
		"Empty skips the compilation step.")
	flagEpochs   = flag.Int("epochs", 5, "Number of training epochs.")
	flagSteps    = flag.Int("steps", 20, "Training steps per epoch.")
	flagBatch    = flag.Int("batch", 32, "Per-rank batch size.")
	flagFeatures = flag.Int("features", 16, "Input features of the synthetic regression task.")
	flagHidden   = flag.Int("hidden", 32, "Hidden layer width.")
	flagLR       = flag.Float64("lr", 0.05, "Base learning rate.")
	flagMomentum = flag.Float64("momentum", 0.9, "SGD momentum.")
	flagSWAStart = flag.Int("swa_start", -1, "Epoch at which stochastic weight averaging starts, -1 disables it. "+
		"Requires --strategy=ddp.")
	flagSWALR  = flag.Float64("swa_lr", 0.01, "Learning rate the annealing converges to once averaging starts.")
	flagAnneal = flag.Int("anneal_epochs", 2, "Epochs the learning rate anneals over when averaging starts.")
	flagSeed   = flag.Uint64("seed", 42, "Seed of the synthetic dataset.")
)

func main() {
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'tnttrain -help'.", flag.Args())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, device, err := distributed.InitFromEnv(ctx)
	if err != nil {
		klog.Errorf("Initializing the distributed runtime: %+v", err)
		os.Exit(1)
	}
	defer func() { _ = distributed.Shutdown() }()

	if err := run(ctx, g, device); err != nil {
		klog.Errorf("Training failed: %+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, g *distributed.ProcessGroup, device distributed.Device) error {
	rank, world := g.Rank(), g.World()
	klog.V(1).Infof("tnttrain: rank %d of %d on device %s, strategy=%q", rank, world, device, *flagStrategy)

	model := module.NewSequential("mlp",
		module.NewLinear("hidden", *flagFeatures, *flagHidden),
		module.NewReLU("act"),
		module.NewLinear("out", *flagHidden, 1),
	)
	var numParams int64
	for _, p := range model.Parameters() {
		numParams += int64(p.Value.Shape().Size())
	}

	opts := []parallel.Option{parallel.WithProcessGroup(g)}
	if *flagStrategy != "" {
		opts = append(opts, parallel.WithStrategyName(*flagStrategy))
	}
	if *flagCompile != "" {
		opts = append(opts, parallel.WithCompile(&parallel.CompileParams{Backend: *flagCompile}))
	}
	swaEnabled := *flagSWAStart >= 0
	if swaEnabled {
		opts = append(opts, parallel.WithSWA(&parallel.SWAParams{
			EpochStart:     *flagSWAStart,
			AnnealEpochs:   *flagAnneal,
			AnnealStrategy: optimizers.AnnealCosine,
		}))
	}
	prepared, err := parallel.Prepare(ctx, model, device, opts...)
	if err != nil {
		return err
	}
	ddp, _ := parallel.AsDataParallel(prepared)
	fsdp, _ := parallel.AsSharded(prepared)

	task := newSynthTask(*flagSeed, rank, *flagFeatures)
	opt := &optimizers.SGD{LR: *flagLR, Momentum: *flagMomentum}
	params := prepared.Parameters()

	start := time.Now()
	var trainLoss float64
	for epoch := range *flagEpochs {
		if swaEnabled {
			factor := optimizers.SWALRFactor(epoch, *flagSWAStart, *flagAnneal, optimizers.AnnealCosine)
			opt.LR = *flagSWALR + factor*(*flagLR-*flagSWALR)
		}
		var epochLoss float64
		for step := range *flagSteps {
			x, target := task.batch(*flagBatch)
			out := prepared.Forward(x)
			loss, dOut := mseLoss(out, target)
			epochLoss += loss
			prepared.Backward(dOut)
			switch {
			case ddp != nil:
				if err := ddp.ReduceGradients(ctx); err != nil {
					return err
				}
			case fsdp != nil:
				if err := fsdp.ReduceGradients(ctx); err != nil {
					return err
				}
			}
			opt.Step(params)
			opt.ZeroGrad(params)
			klog.V(2).Infof("epoch %d step %d: loss=%.6f", epoch, step, loss)
		}
		trainLoss, err = crossRankMean(ctx, g, epochLoss/float64(*flagSteps))
		if err != nil {
			return errors.WithMessage(err, "averaging the epoch loss")
		}
		if ddp != nil {
			ddp.UpdateSWA(epoch)
		}
		if rank == 0 {
			fmt.Printf("%s  loss=%.6f  lr=%.4f\n",
				epochStyle.Render(fmt.Sprintf("epoch %2d/%d", epoch+1, *flagEpochs)), trainLoss, opt.LR)
		}
	}
	elapsed := time.Since(start)

	evalLoss, err := evaluate(ctx, g, prepared, newSynthTask(*flagSeed+1, rank, *flagFeatures))
	if err != nil {
		return err
	}
	swaLoss := -1.0
	if ddp != nil {
		if swa := ddp.SWA(); swa != nil && swa.NumUpdates() > 0 {
			if err := swa.Swap(); err != nil {
				return err
			}
			swaLoss, err = evaluate(ctx, g, prepared, newSynthTask(*flagSeed+1, rank, *flagFeatures))
			if err != nil {
				return err
			}
		}
	}

	// Keep the summary after every rank's last collective.
	if err := g.Barrier(ctx); err != nil {
		return errors.WithMessage(err, "final barrier")
	}
	if rank == 0 {
		table := newPlainTable(false)
		table.Row("World size", strconv.Itoa(world))
		table.Row("Device", device.String())
		table.Row("Strategy", *flagStrategy)
		table.Row("Parameters", humanize.Comma(numParams))
		table.Row("Epochs × steps", fmt.Sprintf("%d × %d", *flagEpochs, *flagSteps))
		table.Row("Train loss", fmt.Sprintf("%.6f", trainLoss))
		table.Row("Eval loss", fmt.Sprintf("%.6f", evalLoss))
		if swaLoss >= 0 {
			table.Row("Eval loss (averaged weights)", fmt.Sprintf("%.6f", swaLoss))
		}
		table.Row("Duration", elapsed.Round(time.Millisecond).String())
		fmt.Println(titleStyle.Render("tnttrain summary"))
		fmt.Println(table.Render())
	}
	return nil
}

// synthTask draws batches of a fixed random linear map with a little noise. Every rank
// shares the map (it only depends on the seed) while the sample stream is offset by the
// rank, so ranks see disjoint batches of the same task.
type synthTask struct {
	rng      *rand.Rand
	features int
	truth    []float32
}

func newSynthTask(seed uint64, rank, features int) *synthTask {
	truthRng := rand.New(rand.NewPCG(seed, 7))
	truth := make([]float32, features)
	for i := range truth {
		truth[i] = float32(truthRng.NormFloat64())
	}
	return &synthTask{
		rng:      rand.New(rand.NewPCG(seed, uint64(rank)+13)),
		features: features,
		truth:    truth,
	}
}

// batch returns x with shape [batchSize, features] and the regression target [batchSize, 1].
func (s *synthTask) batch(batchSize int) (x, target *tensors.Tensor) {
	xFlat := make([]float32, batchSize*s.features)
	for i := range xFlat {
		xFlat[i] = float32(s.rng.NormFloat64())
	}
	tFlat := make([]float32, batchSize)
	for b := range batchSize {
		var dot float32
		for j, w := range s.truth {
			dot += w * xFlat[b*s.features+j]
		}
		tFlat[b] = dot + 0.01*float32(s.rng.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(xFlat, batchSize, s.features),
		tensors.FromFlatDataAndDimensions(tFlat, batchSize, 1)
}

// mseLoss returns the mean squared error and its gradient with respect to out.
func mseLoss(out, target *tensors.Tensor) (float64, *tensors.Tensor) {
	dOut := tensors.FromShape(out.Shape())
	var sum float64
	tensors.MustConstFlatData(out, func(got []float32) {
		tensors.MustConstFlatData(target, func(want []float32) {
			tensors.MustMutableFlatData(dOut, func(d []float32) {
				n := float32(len(got))
				for i := range got {
					diff := got[i] - want[i]
					sum += float64(diff * diff)
					d[i] = 2 * diff / n
				}
			})
		})
	})
	return sum / float64(out.Shape().Size()), dOut
}

// crossRankMean averages a scalar across the ranks.
func crossRankMean(ctx context.Context, g *distributed.ProcessGroup, v float64) (float64, error) {
	if g.World() == 1 {
		return v, nil
	}
	t := tensors.FromFlatDataAndDimensions([]float32{float32(v)}, 1)
	if err := g.AllReduce(ctx, t, distributed.ReduceOpAvg, distributed.AlgoAuto); err != nil {
		return 0, err
	}
	return float64(tensors.MustCopyFlatData[float32](t)[0]), nil
}

// evaluate computes the cross-rank average loss over a few fresh batches.
func evaluate(ctx context.Context, g *distributed.ProcessGroup, m module.Module, task *synthTask) (float64, error) {
	const batches = 4
	var sum float64
	for range batches {
		x, target := task.batch(*flagBatch)
		loss, _ := mseLoss(m.Forward(x), target)
		sum += loss
	}
	loss, err := crossRankMean(ctx, g, sum/batches)
	if err != nil {
		return 0, errors.WithMessage(err, "averaging the evaluation loss")
	}
	return loss, nil
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	epochStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("75"))
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				// Even row style.
				s = oddRowStyle
			default:
				// Odd row style
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}
