package model

// OutpaintTaskRequest is the submit payload. Unset optional fields fall back
// to the session defaults from the config file.
type OutpaintTaskRequest struct {
	ImagePath string `json:"image_path" binding:"required"`

	ZoomOutPercentage *int    `json:"zoom_out_percentage" binding:"omitempty,min=0,max=90"`
	ExpandMode        string  `json:"expand_mode" binding:"omitempty,oneof=pixels percentage"`
	ExpandPercentage  *int    `json:"expand_percentage" binding:"omitempty,min=0,max=200"`
	ExpandLeft        *int    `json:"expand_left" binding:"omitempty,min=0,max=700"`
	ExpandRight       *int    `json:"expand_right" binding:"omitempty,min=0,max=700"`
	ExpandTop         *int    `json:"expand_top" binding:"omitempty,min=0,max=700"`
	ExpandBottom      *int    `json:"expand_bottom" binding:"omitempty,min=0,max=700"`
	NumImages         *int    `json:"num_images" binding:"omitempty,min=1,max=4"`
	Prompt            *string `json:"prompt"`

	OutputFormat string `json:"output_format" binding:"omitempty,oneof=png jpeg webp"`
	OutputSuffix string `json:"output_suffix"`
	OutputFolder string `json:"output_folder"`
}

type AttemptInfo struct {
	Adapter  string `json:"adapter"`
	Class    string `json:"class,omitempty"`
	Message  string `json:"message,omitempty"`
	Fallback bool   `json:"fallback"`
}

type OutpaintTaskResponse struct {
	TaskId string `json:"task_id,omitempty"`

	Status string `json:"status"` // completed, skipped, failed

	Message string `json:"message,omitempty"`

	Adapter string `json:"adapter,omitempty"`

	UsedFallback bool `json:"used_fallback"`

	Warning string `json:"warning,omitempty"`

	OutputPaths []string `json:"output_paths,omitempty"`

	Attempts []AttemptInfo `json:"attempts,omitempty"`
}

type SetPrimaryRequest struct {
	Backend string `json:"backend" binding:"required,oneof=falai comfyui"`
}
