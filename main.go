// Package main is a module which serves the object-tracker vision service.
package main

import (
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"

	"go.viam.com/rdk/module"

	"github.com/viam-modules/video-tracking/object_tracker"
)

func main() {
	module.ModularMain(resource.APIModel{API: vision.API, Model: object_tracker.Model})
}
