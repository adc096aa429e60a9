package templates

import "mediagrab/internal/models"

var qualityOptions = []string{
	string(models.QualityHighest), string(models.Quality4K), string(models.Quality1080p),
	string(models.Quality720p), string(models.Quality360p), string(models.Quality144p),
	string(models.QualityLowest), string(models.QualityAuto),
}

var formatOptions = []string{
	string(models.FormatMP4), string(models.FormatWebM), string(models.FormatMOV),
	string(models.FormatAVI), string(models.FormatMP3), string(models.FormatM4A),
}

func rowTitle(job models.Job) string {
	if job.Title != "" {
		return job.Title
	}
	return job.URL
}

func rowStatus(job models.Job) string {
	if job.ErrorMessage != "" {
		return string(job.Status) + ": " + job.ErrorMessage
	}
	return string(job.Status)
}
