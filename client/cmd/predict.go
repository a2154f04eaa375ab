package main

import (
	"os"

	"github.com/llmariner/mnist-serving/client/internal/client"
	"github.com/spf13/cobra"
)

func predictCmd() *cobra.Command {
	var url string
	var image string
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Send an image to the prediction server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.New(url, os.Stdout).PredictFile(cmd.Context(), image)
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8080/mnist", "URL of the prediction endpoint")
	cmd.Flags().StringVar(&image, "image", "client/test_image_3.png", "Path to the image")
	return cmd
}
