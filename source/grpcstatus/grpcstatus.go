// Package grpcstatus maps gRPC status errors from remote range backends onto
// the crossfeed fetch error kinds, and back.
//
// A remote backend reports topology changes with an ErrorInfo detail whose
// reason is ReasonSplit or ReasonMerged, throttling with a RetryInfo detail,
// and a caught-up change feed range with a FailedPrecondition status carrying
// a PreconditionFailure violation of type ViolationETag.
//
// Example:
//
//	fetcher := grpcstatus.Fetcher(crossfeed.FetcherFunc[Order, string](
//	    func(ctx context.Context, r partition.Range, state string, opts crossfeed.FetchOptions) (crossfeed.Page[Order, string], error) {
//	        return client.ReadRange(ctx, r, state, opts.PageSizeHint)
//	    }))
package grpcstatus

import (
	"context"
	"errors"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/rbaliyan/crossfeed"
	"github.com/rbaliyan/crossfeed/partition"
)

// ErrorInfo reasons and violation types understood by Classify.
const (
	ReasonSplit   = "RANGE_SPLIT"
	ReasonMerged  = "RANGE_MERGED"
	ViolationETag = "ETAG"

	// Domain is the ErrorInfo domain set by Status.
	Domain = "crossfeed"
)

// Classify determines the fetch error kind of a gRPC error. Errors that do
// not carry a gRPC status are classified by crossfeed.Classify.
func Classify(err error) crossfeed.ErrorKind {
	if err == nil {
		return crossfeed.KindNone
	}
	st, ok := status.FromError(err)
	if !ok {
		return crossfeed.Classify(err)
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			switch info.GetReason() {
			case ReasonSplit:
				return crossfeed.KindSplit
			case ReasonMerged:
				return crossfeed.KindMerge
			}
		}
	}
	switch st.Code() {
	case codes.OK:
		return crossfeed.KindNone
	case codes.ResourceExhausted, codes.Unavailable, codes.Aborted, codes.DeadlineExceeded, codes.Canceled:
		return crossfeed.KindTransient
	case codes.NotFound:
		return crossfeed.KindSplit
	case codes.FailedPrecondition:
		if etagViolation(st) {
			return crossfeed.KindNotModified
		}
	}
	return crossfeed.KindFatal
}

// RetryDelay returns the RetryInfo delay of a gRPC error, or 0.
func RetryDelay(err error) time.Duration {
	st, ok := status.FromError(err)
	if !ok {
		return 0
	}
	for _, d := range st.Details() {
		if ri, ok := d.(*errdetails.RetryInfo); ok && ri.GetRetryDelay() != nil {
			return ri.GetRetryDelay().AsDuration()
		}
	}
	return 0
}

// Wrap classifies err and wraps it as a crossfeed fetch error on r.
func Wrap(r partition.Range, err error) error {
	switch Classify(err) {
	case crossfeed.KindNone:
		return nil
	case crossfeed.KindSplit:
		return crossfeed.Split(r, err)
	case crossfeed.KindMerge:
		return crossfeed.Merged(r, err)
	case crossfeed.KindNotModified:
		return crossfeed.NotModified(r)
	case crossfeed.KindTransient:
		return crossfeed.Transient(r, RetryDelay(err), err)
	}
	return &crossfeed.FetchError{Kind: crossfeed.KindFatal, Range: r, Err: err}
}

// Status converts a crossfeed fetch error into a gRPC status carrying the
// details Classify reads. A backend serving ranges over gRPC returns it
// from its handlers.
func Status(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	if st, ok := status.FromError(err); ok {
		return st
	}

	var (
		st      *status.Status
		details []protoadapt.MessageV1
	)
	switch crossfeed.Classify(err) {
	case crossfeed.KindSplit:
		st = status.New(codes.NotFound, err.Error())
		details = append(details, &errdetails.ErrorInfo{Reason: ReasonSplit, Domain: Domain})
	case crossfeed.KindMerge:
		st = status.New(codes.NotFound, err.Error())
		details = append(details, &errdetails.ErrorInfo{Reason: ReasonMerged, Domain: Domain})
	case crossfeed.KindNotModified:
		st = status.New(codes.FailedPrecondition, err.Error())
		details = append(details, &errdetails.PreconditionFailure{
			Violations: []*errdetails.PreconditionFailure_Violation{{Type: ViolationETag, Description: "no changes after etag"}},
		})
	case crossfeed.KindTransient:
		if errors.Is(err, context.Canceled) {
			return status.New(codes.Canceled, err.Error())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return status.New(codes.DeadlineExceeded, err.Error())
		}
		st = status.New(codes.Unavailable, err.Error())
		if d := crossfeed.RetryAfter(err); d > 0 {
			details = append(details, &errdetails.RetryInfo{RetryDelay: durationpb.New(d)})
		}
	default:
		return status.New(codes.Internal, err.Error())
	}
	if len(details) == 0 {
		return st
	}
	withDetails, derr := st.WithDetails(details...)
	if derr != nil {
		return st
	}
	return withDetails
}

// Fetcher wraps a fetcher whose errors are gRPC statuses so the enumerators
// see classified fetch errors.
func Fetcher[T, S any](f crossfeed.Fetcher[T, S]) crossfeed.Fetcher[T, S] {
	return crossfeed.FetcherFunc[T, S](func(ctx context.Context, r partition.Range, state S, opts crossfeed.FetchOptions) (crossfeed.Page[T, S], error) {
		page, err := f.FetchPage(ctx, r, state, opts)
		if err != nil {
			return page, Wrap(r, err)
		}
		return page, nil
	})
}

func etagViolation(st *status.Status) bool {
	for _, d := range st.Details() {
		if pf, ok := d.(*errdetails.PreconditionFailure); ok {
			for _, v := range pf.GetViolations() {
				if v.GetType() == ViolationETag {
					return true
				}
			}
		}
	}
	return false
}
