package coordinator

import (
	"context"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
)

// Opencensus measurements.
var (
	MeasureNoticesReceived = stats.Int64("asg_node_drainer/notices_received", "Number of termination notices received.", stats.UnitDimensionless)
	MeasureNodesDrained    = stats.Int64("asg_node_drainer/nodes_drained", "Number of node drains reaching a terminal status.", stats.UnitDimensionless)
	MeasureDrainLatency    = stats.Float64("asg_node_drainer/drain_latency", "Time from notice receipt to terminal status.", stats.UnitMilliseconds)
	MeasureHeartbeats      = stats.Int64("asg_node_drainer/heartbeats_sent", "Number of lifecycle heartbeat extensions sent.", stats.UnitDimensionless)
	MeasureCompletions     = stats.Int64("asg_node_drainer/lifecycle_completions", "Number of lifecycle action completions sent.", stats.UnitDimensionless)

	TagInstanceID, _ = tag.NewKey("instance_id")
	TagGroupName, _  = tag.NewKey("group_name")
	TagStatus, _     = tag.NewKey("status")
	TagResult, _     = tag.NewKey("result")
	TagKind, _       = tag.NewKey("kind")
)

// Notice dispositions recorded under TagKind.
const (
	noticeKindHandled   = "handled"
	noticeKindDuplicate = "duplicate"
	noticeKindNodeGone  = "node_gone"
	noticeKindMalformed = "malformed"
	noticeKindSkipped   = "skipped"
)

func recordNotice(ctx context.Context, kind, group string) {
	stats.RecordWithTags(ctx, []tag.Mutator{ // nolint:errcheck
		tag.Upsert(TagKind, kind),
		tag.Upsert(TagGroupName, group),
	}, MeasureNoticesReceived.M(1))
}

func recordDrain(ctx context.Context, st *NodeDrainState, group string, result string, latencyMS float64) {
	stats.RecordWithTags(ctx, []tag.Mutator{ // nolint:errcheck
		tag.Upsert(TagInstanceID, st.InstanceID()),
		tag.Upsert(TagGroupName, group),
		tag.Upsert(TagStatus, string(st.Status())),
		tag.Upsert(TagResult, result),
	}, MeasureNodesDrained.M(1), MeasureDrainLatency.M(latencyMS))
}

func recordHeartbeat(ctx context.Context, instanceID, group string) {
	stats.RecordWithTags(ctx, []tag.Mutator{ // nolint:errcheck
		tag.Upsert(TagInstanceID, instanceID),
		tag.Upsert(TagGroupName, group),
	}, MeasureHeartbeats.M(1))
}

func recordCompletion(ctx context.Context, group, result string) {
	stats.RecordWithTags(ctx, []tag.Mutator{ // nolint:errcheck
		tag.Upsert(TagGroupName, group),
		tag.Upsert(TagResult, result),
	}, MeasureCompletions.M(1))
}
