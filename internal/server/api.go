package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/zoomstore/zoomstore/internal/coordinator"
	"github.com/zoomstore/zoomstore/internal/handlers"
)

// ImageIDInput is the path parameter shared by the per-image operations.
type ImageIDInput struct {
	ID string `path:"id" doc:"Content-derived image identifier"`
}

// ListImagesOutput is the response of list-images.
type ListImagesOutput struct {
	Body struct {
		Images []handlers.ImageView `json:"images"`
	}
}

// ImageStatusOutput is the response of get-image.
type ImageStatusOutput struct {
	Body handlers.StatusView
}

// EnsurePyramidInput is the request of ensure-pyramid.
type EnsurePyramidInput struct {
	ImageIDInput
	Wait bool `query:"wait" doc:"Block until generation completes or fails. Disconnecting stops the wait, not the generation."`
}

// EnsurePyramidOutput is the response of ensure-pyramid.
type EnsurePyramidOutput struct {
	Status int
	Body   handlers.StateView
}

// DescriptorOutput is the response of get-descriptor.
type DescriptorOutput struct {
	Body handlers.DescriptorView
}

// registerImageRoutes registers the JSON image API on the Huma API.
func (s *Server) registerImageRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-images",
		Method:      http.MethodGet,
		Path:        "/api/images",
		Summary:     "List images",
		Description: "Returns every registered image, newest first, with its generation state and thumbnail tile.",
		Tags:        []string{"Images"},
	}, func(ctx context.Context, input *struct{}) (*ListImagesOutput, error) {
		sums, err := s.svc.ListImages(ctx)
		if err != nil {
			return nil, handlers.NewErrorBody(ctx, err)
		}
		out := &ListImagesOutput{}
		out.Body.Images = make([]handlers.ImageView, 0, len(sums))
		for _, sum := range sums {
			out.Body.Images = append(out.Body.Images, handlers.NewSummaryView(sum))
		}
		return out, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-image",
		Method:      http.MethodGet,
		Path:        "/api/images/{id}",
		Summary:     "Get image status",
		Description: "Returns the image record, its generation state and the geometry of its pyramid.",
		Tags:        []string{"Images"},
	}, func(ctx context.Context, input *ImageIDInput) (*ImageStatusOutput, error) {
		st, err := s.svc.Status(ctx, input.ID)
		if err != nil {
			return nil, handlers.NewErrorBody(ctx, err)
		}
		return &ImageStatusOutput{Body: handlers.NewStatusView(st)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "ensure-pyramid",
		Method:      http.MethodPost,
		Path:        "/api/images/{id}/pyramid",
		Summary:     "Ensure pyramid",
		Description: "Schedules pyramid generation unless it is complete or running. Responds 202 while generation is in progress.",
		Tags:        []string{"Images"},
	}, func(ctx context.Context, input *EnsurePyramidInput) (*EnsurePyramidOutput, error) {
		var (
			st  coordinator.State
			err error
		)
		if input.Wait {
			st, err = s.svc.WaitPyramid(ctx, input.ID)
		} else {
			st, err = s.svc.EnsurePyramid(ctx, input.ID)
		}
		if err != nil {
			return nil, handlers.NewErrorBody(ctx, err)
		}
		status := http.StatusOK
		if !st.Terminal() {
			status = http.StatusAccepted
		}
		return &EnsurePyramidOutput{Status: status, Body: handlers.NewStateView(st)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "delete-image",
		Method:        http.MethodDelete,
		Path:          "/api/images/{id}",
		Summary:       "Delete image",
		Description:   "Cancels any generation and removes the source, descriptor and tiles.",
		Tags:          []string{"Images"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *ImageIDInput) (*struct{}, error) {
		if err := s.svc.DeleteImage(ctx, input.ID); err != nil {
			return nil, handlers.NewErrorBody(ctx, err)
		}
		return nil, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-descriptor",
		Method:      http.MethodGet,
		Path:        "/api/images/{id}/descriptor",
		Summary:     "Get pyramid descriptor",
		Description: "Returns the descriptor of the completed pyramid with per-level grids. Responds 503 NotReady while generation is pending.",
		Tags:        []string{"Images"},
	}, func(ctx context.Context, input *ImageIDInput) (*DescriptorOutput, error) {
		desc, err := s.svc.GetDescriptor(ctx, input.ID)
		if err != nil {
			return nil, handlers.NewErrorBody(ctx, err)
		}
		return &DescriptorOutput{Body: handlers.NewDescriptorView(input.ID, desc)}, nil
	})
}
