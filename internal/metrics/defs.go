package metrics

const (
	// process health
	MetricUp                    = "lab_pipeline_up"
	MetricRenderDurationSeconds = "lab_pipeline_render_duration_seconds"

	// sessions
	MetricHostAuthenticated = "lab_pipeline_host_authenticated"

	// jobs, one series per tracked experiment
	MetricJobStatus        = "lab_pipeline_job_status"
	MetricStatusAgeSeconds = "lab_pipeline_status_age_seconds"
	MetricPollError        = "lab_pipeline_poll_error"
)
