package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/olyandrevn/FaceRecognition/internal/pipeline"
	apperrors "github.com/olyandrevn/FaceRecognition/pkg/errors"
	"github.com/olyandrevn/FaceRecognition/pkg/logger"
	"github.com/olyandrevn/FaceRecognition/pkg/proto"
	"github.com/olyandrevn/FaceRecognition/pkg/rpc"
)

// Caller is the subset of *rpc.Client used by the model clients.
type Caller interface {
	Call(ctx context.Context, method string, params any, result any) error
}

// RemoteDetector asks the detection model server for face boxes.
type RemoteDetector struct {
	client Caller
}

func NewRemoteDetector(client Caller) *RemoteDetector {
	return &RemoteDetector{client: client}
}

func (d *RemoteDetector) Detect(ctx context.Context, img image.Image) ([]pipeline.BBox, error) {
	data, err := encodePNG(img)
	if err != nil {
		return nil, err
	}
	var resp proto.DetectResponse
	if err := d.client.Call(ctx, proto.MethodDetect, proto.DetectRequest{Image: data}, &resp); err != nil {
		return nil, classify(err)
	}
	bounds := img.Bounds()
	boxes := make([]pipeline.BBox, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		box := pipeline.BBox{X1: f.X1, Y1: f.Y1, X2: f.X2, Y2: f.Y2}
		if box.Rect().Empty() || !box.Rect().Overlaps(bounds) {
			logger.FromContext(ctx).Warn("ignoring degenerate face box", "box", box)
			continue
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}

// RemoteRecognizer asks the recognition model server who a face belongs
// to.
type RemoteRecognizer struct {
	client Caller
}

func NewRemoteRecognizer(client Caller) *RemoteRecognizer {
	return &RemoteRecognizer{client: client}
}

func (r *RemoteRecognizer) Recognize(ctx context.Context, face image.Image) (pipeline.Identity, error) {
	data, err := encodePNG(face)
	if err != nil {
		return pipeline.Identity{}, err
	}
	var resp proto.RecognizeResponse
	if err := r.client.Call(ctx, proto.MethodRecognize, proto.RecognizeRequest{Face: data}, &resp); err != nil {
		return pipeline.Identity{}, classify(err)
	}
	id := pipeline.Identity{CustomerID: resp.CustomerID, Confidence: resp.Confidence, Known: resp.Known}
	if !id.Known {
		id.CustomerID = pipeline.UnknownCustomerID
	}
	return id, nil
}

// Ping checks that a model server is serving.
func Ping(ctx context.Context, client Caller) error {
	var resp proto.HealthCheckResponse
	if err := client.Call(ctx, proto.MethodHealth, struct{}{}, &resp); err != nil {
		return err
	}
	if resp.Status != "SERVING" {
		return fmt.Errorf("model server status %s", resp.Status)
	}
	return nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, apperrors.Permanent(fmt.Errorf("encoding image: %w", err))
	}
	return buf.Bytes(), nil
}

// classify marks rejected inputs as permanent and everything else from the
// model server or the network as transient.
func classify(err error) error {
	var rerr *rpc.Error
	if errors.As(err, &rerr) {
		switch rerr.Code {
		case rpc.CodeInvalidArgument, rpc.CodeUnknownMethod:
			return apperrors.Permanent(err)
		default:
			return apperrors.Transient(err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.Transient(err)
}
