package credis

// fieldLogger adapts the structured Logger to the key/value pair interface
// the replication and server packages consume.
type fieldLogger struct {
	logger Logger
}

func (fl *fieldLogger) Debug(msg string, fields ...interface{}) {
	fl.logger.Debug(msg, convertFields(fields...)...)
}

func (fl *fieldLogger) Info(msg string, fields ...interface{}) {
	fl.logger.Info(msg, convertFields(fields...)...)
}

func (fl *fieldLogger) Error(msg string, fields ...interface{}) {
	fl.logger.Error(msg, convertFields(fields...)...)
}

func convertFields(fields ...interface{}) []Field {
	result := make([]Field, 0, len(fields)/2)
	for i := 0; i < len(fields)-1; i += 2 {
		if key, ok := fields[i].(string); ok {
			result = append(result, Field{
				Key:   key,
				Value: fields[i+1],
			})
		}
	}
	return result
}
