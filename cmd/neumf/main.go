// Copyright 2025 neumf Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gorse-io/neumf/base/log"
	"github.com/gorse-io/neumf/cmd/version"
	"github.com/gorse-io/neumf/dataset"
	"github.com/gorse-io/neumf/model"
	"github.com/gorse-io/neumf/model/ncf"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"modernc.org/mathutil"
)

var rootCommand = &cobra.Command{
	Use:   "neumf",
	Short: "Neural collaborative filtering over implicit feedback.",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion, _ := cmd.PersistentFlags().GetBool("version"); showVersion {
			fmt.Println(version.BuildInfo())
			return
		}
		_ = cmd.Help()
	},
}

func init() {
	rootCommand.PersistentFlags().Bool("version", false, "neumf version")
	rootCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	log.AddFlags(rootCommand.PersistentFlags())
	rootCommand.AddCommand(trainCommand)
	rootCommand.AddCommand(testCommand)
	rootCommand.AddCommand(predictCommand)

	// data loaders are shared by the subcommands
	for _, command := range []*cobra.Command{trainCommand, testCommand} {
		command.PersistentFlags().String("train-path", "", "path of the train interactions (TSV)")
		command.PersistentFlags().String("test-path", "", "path of the held-out interactions (TSV)")
		command.PersistentFlags().Int64("random-state", 0, "random seed")
		command.PersistentFlags().Int("top", 10, "cutoff of the ranking metrics")
		command.PersistentFlags().IntP("jobs", "j", 1, "number of concurrent jobs")
		_ = command.MarkPersistentFlagRequired("train-path")
	}

	// hyper-parameters
	trainCommand.PersistentFlags().String("model-type", "neumf", "architecture variant: gmf, mlp or neumf")
	trainCommand.PersistentFlags().Int("n-epochs", 20, "number of epochs")
	trainCommand.PersistentFlags().Int("n-factors", 8, "number of gmf factors")
	trainCommand.PersistentFlags().Int("batch-size", 256, "mini-batch size")
	trainCommand.PersistentFlags().Int("n-negatives", 4, "negative samples per positive")
	trainCommand.PersistentFlags().Float64("lr", 0.001, "learning rate")
	trainCommand.PersistentFlags().Float64("reg", 0, "regularization strength")
	trainCommand.PersistentFlags().IntSlice("hidden-layers", []int{32, 16, 8}, "deep branch layer widths")
	trainCommand.PersistentFlags().String("optimizer", "adam", "gradient update rule: adam or sgd")
	trainCommand.PersistentFlags().String("activation", "relu", "deep branch nonlinearity: relu, sigmoid or tanh")
	// pretraining
	trainCommand.PersistentFlags().String("gmf-path", "", "directory of a pretrained gmf checkpoint")
	trainCommand.PersistentFlags().String("mlp-path", "", "directory of a pretrained mlp checkpoint")
	trainCommand.PersistentFlags().Float64("alpha", 0.5, "blend weight of the gmf side")
	// runtime options
	trainCommand.PersistentFlags().Int("verbose", 10, "number of epochs between evaluations")
	trainCommand.PersistentFlags().String("save", "", "directory to save the trained model")

	testCommand.PersistentFlags().String("model-path", "", "directory of the checkpoint to evaluate")
	_ = testCommand.MarkPersistentFlagRequired("model-path")

	predictCommand.PersistentFlags().String("model-path", "", "directory of the checkpoint to score with")
	predictCommand.PersistentFlags().String("input", "", "path of user/item pairs (TSV)")
	predictCommand.PersistentFlags().String("output", "", "path of the score file, stdout if empty")
	_ = predictCommand.MarkPersistentFlagRequired("model-path")
	_ = predictCommand.MarkPersistentFlagRequired("input")
}

func loadDataset(flags *pflag.FlagSet) *dataset.Dataset {
	trainPath, _ := flags.GetString("train-path")
	testPath, _ := flags.GetString("test-path")
	seed, _ := flags.GetInt64("random-state")
	train, err := dataset.LoadInteractions(trainPath)
	if err != nil {
		log.Logger().Fatal("failed to load train set", zap.Error(err))
	}
	var test []dataset.Interaction
	if testPath != "" {
		if test, err = dataset.LoadInteractions(testPath); err != nil {
			log.Logger().Fatal("failed to load test set", zap.Error(err))
		}
	}
	data, err := dataset.NewDataset(train, test, seed)
	if err != nil {
		log.Logger().Fatal("failed to build dataset", zap.Error(err))
	}
	log.Logger().Info("loaded dataset",
		zap.String("train_path", trainPath),
		zap.String("test_path", testPath),
		zap.Int("num_users", data.CountUsers()),
		zap.Int("num_items", data.CountItems()),
		zap.Int("num_feedback", data.CountFeedback()))
	return data
}

func loadParams(flags *pflag.FlagSet) model.Params {
	params := make(model.Params)
	modelType, _ := flags.GetString("model-type")
	params[model.ModelType] = modelType
	seed, _ := flags.GetInt64("random-state")
	params[model.RandomState] = seed
	if flags.Changed("n-epochs") {
		params[model.NEpochs], _ = flags.GetInt("n-epochs")
	}
	if flags.Changed("n-factors") {
		params[model.NFactors], _ = flags.GetInt("n-factors")
	}
	if flags.Changed("batch-size") {
		params[model.BatchSize], _ = flags.GetInt("batch-size")
	}
	if flags.Changed("n-negatives") {
		params[model.NumNegatives], _ = flags.GetInt("n-negatives")
	}
	if flags.Changed("lr") {
		lr, _ := flags.GetFloat64("lr")
		params[model.Lr] = float32(lr)
	}
	if flags.Changed("reg") {
		reg, _ := flags.GetFloat64("reg")
		params[model.Reg] = float32(reg)
	}
	if flags.Changed("hidden-layers") {
		params[model.HiddenLayers], _ = flags.GetIntSlice("hidden-layers")
	}
	if flags.Changed("optimizer") {
		params[model.Optimizer], _ = flags.GetString("optimizer")
	}
	if flags.Changed("activation") {
		params[model.Activation], _ = flags.GetString("activation")
	}
	return params
}

var trainCommand = &cobra.Command{
	Use:   "train",
	Short: "Train a model and optionally save a checkpoint",
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.PersistentFlags()
		debug, _ := rootCommand.PersistentFlags().GetBool("debug")
		log.SetLogger(rootCommand.PersistentFlags(), debug)
		data := loadDataset(flags)
		params := loadParams(flags)
		var m *ncf.NCF
		var err error
		gmfPath, _ := flags.GetString("gmf-path")
		mlpPath, _ := flags.GetString("mlp-path")
		if gmfPath != "" || mlpPath != "" {
			alpha, _ := flags.GetFloat64("alpha")
			m, err = ncf.LoadPretrained(gmfPath, mlpPath, float32(alpha))
			if err != nil {
				log.Logger().Fatal("failed to load pretrained models", zap.Error(err))
			}
			// the blended weights fix the architecture, only runtime
			// hyper-parameters may change
			for _, name := range []model.ParamName{model.ModelType, model.NFactors, model.HiddenLayers, model.Activation} {
				delete(params, name)
			}
			m.SetParams(m.GetParams().Overwrite(params))
		} else if m, err = ncf.NewNCF(params); err != nil {
			log.Logger().Fatal("invalid hyper-parameters", zap.Error(err))
		}
		topK, _ := flags.GetInt("top")
		nJobs, _ := flags.GetInt("jobs")
		verbose, _ := flags.GetInt("verbose")
		config := ncf.NewFitConfig().SetJobs(nJobs).SetVerbose(verbose).SetTopK(topK)
		score, err := m.Fit(context.Background(), data, config)
		if err != nil {
			log.Logger().Fatal("failed to fit model", zap.Error(err))
		}
		fmt.Printf("loss = %v, HR@%d = %v, NDCG@%d = %v\n", score.Loss, topK, score.HR, topK, score.NDCG)
		if saveDir, _ := flags.GetString("save"); saveDir != "" {
			if err := m.Save(saveDir); err != nil {
				log.Logger().Fatal("failed to save model", zap.Error(err))
			}
		}
	},
}

var testCommand = &cobra.Command{
	Use:   "test",
	Short: "Evaluate a checkpoint on a held-out split",
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.PersistentFlags()
		debug, _ := rootCommand.PersistentFlags().GetBool("debug")
		log.SetLogger(rootCommand.PersistentFlags(), debug)
		modelPath, _ := flags.GetString("model-path")
		m, err := ncf.Load(modelPath)
		if err != nil {
			log.Logger().Fatal("failed to load model", zap.Error(err))
		}
		data := loadDataset(flags)
		topK, _ := flags.GetInt("top")
		nJobs, _ := flags.GetInt("jobs")
		hr, ndcg := ncf.EvaluateLeaveOneOut(m, data, topK, nJobs)
		scores := ncf.Evaluate(m, data, topK, nJobs, ncf.Precision, ncf.Recall, ncf.MAP, ncf.NDCG)
		fmt.Printf("HR@%d = %v, NDCG@%d = %v\n", topK, hr, topK, ndcg)
		fmt.Printf("Precision@%d = %v, Recall@%d = %v, MAP@%d = %v, NDCG(full)@%d = %v\n",
			topK, scores[0], topK, scores[1], topK, scores[2], topK, scores[3])
	},
}

var predictCommand = &cobra.Command{
	Use:   "predict",
	Short: "Score user/item pairs with a checkpoint",
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.PersistentFlags()
		debug, _ := rootCommand.PersistentFlags().GetBool("debug")
		log.SetLogger(rootCommand.PersistentFlags(), debug)
		modelPath, _ := flags.GetString("model-path")
		m, err := ncf.Load(modelPath)
		if err != nil {
			log.Logger().Fatal("failed to load model", zap.Error(err))
		}
		inputPath, _ := flags.GetString("input")
		userIds, itemIds, err := loadPairs(inputPath)
		if err != nil {
			log.Logger().Fatal("failed to load pairs", zap.Error(err))
		}
		writer := os.Stdout
		if outputPath, _ := flags.GetString("output"); outputPath != "" {
			file, err := os.Create(outputPath)
			if err != nil {
				log.Logger().Fatal("failed to create output file", zap.Error(err))
			}
			defer file.Close()
			writer = file
		}
		bar := progressbar.Default(int64(len(userIds)), "scoring")
		buffered := bufio.NewWriter(writer)
		defer buffered.Flush()
		const chunkSize = 1024
		for begin := 0; begin < len(userIds); begin += chunkSize {
			end := mathutil.Min(begin+chunkSize, len(userIds))
			scores, known, err := m.BatchPredict(userIds[begin:end], itemIds[begin:end])
			if err != nil {
				log.Logger().Fatal("failed to predict", zap.Error(err))
			}
			for i := range scores {
				fallback := ""
				if !known[i] {
					fallback = "\tfallback"
				}
				fmt.Fprintf(buffered, "%s\t%s\t%v%s\n", userIds[begin+i], itemIds[begin+i], scores[i], fallback)
			}
			_ = bar.Add(end - begin)
		}
	},
}

// loadPairs reads a `user<TAB>item` file, one pair per line.
func loadPairs(path string) (userIds, itemIds []string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 2 {
			return nil, nil, fmt.Errorf("invalid pair %q", line)
		}
		userIds = append(userIds, fields[0])
		itemIds = append(itemIds, fields[1])
	}
	return userIds, itemIds, scanner.Err()
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute command", zap.Error(err))
	}
}
